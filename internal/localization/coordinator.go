// Package localization implements the localization coordinator (C3): it
// owns every LocalizedResource on this node, brokers fetch slots, and is
// the dispatcher's registered handler for every Resource-kind event.
package localization

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/boz/go-throttle"
	"github.com/sirupsen/logrus"

	"github.com/clusterfabric/nodeagent/internal/downloader"
	"github.com/clusterfabric/nodeagent/internal/events"
	"github.com/clusterfabric/nodeagent/internal/metrics"
	"github.com/clusterfabric/nodeagent/internal/resource"
	"github.com/clusterfabric/nodeagent/internal/types"
)

// internal event types used only for the coordinator to re-enter the
// dispatcher with a fetch result; never posted by any other component.
const (
	fetchComplete = "internal.FETCH_COMPLETE"
	fetchFailed   = "internal.FETCH_FAILED"
)

type fetchCompletePayload struct {
	NS   types.CacheNamespace
	Key  types.LocalResourceRequest
	Path string
	Size int64
}

type fetchFailedPayload struct {
	NS    types.CacheNamespace
	Key   types.LocalResourceRequest
	Cause error
}

// Coordinator is C3.
type Coordinator struct {
	dispatcher *events.Dispatcher
	downloader downloader.Downloader
	log        *logrus.Entry

	mu        sync.Mutex
	resources map[string]*resource.Resource

	cacheBytesTarget int64
	evictThrottle    *throttle.Throttle

	metrics *metrics.Metrics
}

// SetMetrics attaches the C11 collectors this coordinator updates as it
// fetches and evicts. Optional; a nil Metrics (the zero value of this
// field) means the calls below are skipped.
func (c *Coordinator) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// New builds a Coordinator. Register must be called once the dispatcher
// exists so the coordinator becomes the handler for KindResource events.
func New(d *events.Dispatcher, dl downloader.Downloader, cacheBytesTarget int64, log *logrus.Entry) *Coordinator {
	c := &Coordinator{
		dispatcher:       d,
		downloader:       dl,
		log:              log,
		resources:        make(map[string]*resource.Resource),
		cacheBytesTarget: cacheBytesTarget,
	}
	// Coalesce bursts of releases (e.g. an application-wide cleanup
	// releasing dozens of resources at once) into a single eviction pass a
	// few seconds later, rather than rescanning the cache on every release.
	c.evictThrottle = throttle.ThrottleFunc(3*time.Second, true, func() {
		c.Evict(c.cacheBytesTarget)
	})
	return c
}

// Register installs the coordinator as the dispatcher's Resource handler.
func (c *Coordinator) Register() {
	c.dispatcher.Register(events.KindResource, c.handle)
}

func cacheKey(ns types.CacheNamespace, req types.LocalResourceRequest) string {
	switch req.Visibility {
	case types.VisibilityPublic:
		return fmt.Sprintf("pub:%s", req)
	case types.VisibilityPrivate:
		return fmt.Sprintf("priv:%s:%s", ns.User, req)
	case types.VisibilityApplication:
		return fmt.Sprintf("app:%s:%s", ns.ApplicationId, req)
	default:
		return fmt.Sprintf("unk:%s", req)
	}
}

func resourceRef(key string) events.EntityRef {
	return events.EntityRef{Kind: events.KindResource, Key: key}
}

func containerRef(id types.ContainerId) events.EntityRef {
	return events.EntityRef{Kind: events.KindContainer, Key: id.String()}
}

func (c *Coordinator) getOrCreate(key string, req types.LocalResourceRequest) *resource.Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.resources[key]; ok {
		return r
	}
	r := resource.New(req)
	c.resources[key] = r
	return r
}

func (c *Coordinator) lookup(key string) (*resource.Resource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.resources[key]
	return r, ok
}

func (c *Coordinator) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.resources, key)
}

// HandleFetchRequest is called by the engine for the Container FSM's (C4)
// resource-request effect on INIT, once per declared resource. It is a thin, synchronous wrapper that posts a
// RESOURCE_REQUEST event; the actual transition happens on the
// dispatcher's Resource worker for this key, preserving per-entity
// ordering against concurrent releases and fetch completions.
func (c *Coordinator) HandleFetchRequest(ns types.CacheNamespace, req types.LocalResourceRequest, container types.ContainerId) {
	key := cacheKey(ns, req)
	c.dispatcher.Post(events.Event{
		Target: resourceRef(key),
		Type:   events.ResourceRequest,
		Payload: requestPayload{
			NS:        ns,
			Key:       req,
			Container: container,
		},
	})
}

type requestPayload struct {
	NS        types.CacheNamespace
	Key       types.LocalResourceRequest
	Container types.ContainerId
}

// ReleaseForContainer posts a RELEASE for every key container held.
func (c *Coordinator) ReleaseForContainer(ns types.CacheNamespace, container types.ContainerId, keys []types.LocalResourceRequest) {
	for _, req := range keys {
		key := cacheKey(ns, req)
		c.dispatcher.Post(events.Event{
			Target:  resourceRef(key),
			Type:    events.ResourceRelease,
			Payload: events.ResourceReleasePayload{Container: container},
		})
	}
}

func (c *Coordinator) handle(ev events.Event) {
	switch ev.Type {
	case events.ResourceRequest:
		c.onRequest(ev)
	case events.ResourceRelease:
		c.onRelease(ev)
	case fetchComplete:
		c.onFetchComplete(ev)
	case fetchFailed:
		c.onFetchFailed(ev)
	default:
		c.log.WithField("event", ev.Type).Warn("resource coordinator: unrecognized event type, dropping")
	}
}

func (c *Coordinator) onRequest(ev events.Event) {
	p := ev.Payload.(requestPayload)
	key := cacheKey(p.NS, p.Key)
	res := c.getOrCreate(key, p.Key)
	effects := res.Request(p.Container)
	c.applyEffects(p.NS, key, res, effects)
}

func (c *Coordinator) onRelease(ev events.Event) {
	p := ev.Payload.(events.ResourceReleasePayload)
	key := ev.Target.Key
	res, ok := c.lookup(key)
	if !ok {
		c.log.WithField("container", p.Container).Warn("release for resource not present in cache")
		return
	}
	if !res.HasRef(p.Container) {
		c.log.WithField("container", p.Container).Warn("release of unregistered container; ignoring")
		return
	}
	res.Release(p.Container)
	c.evictThrottle.Trigger()
}

func (c *Coordinator) applyEffects(ns types.CacheNamespace, key string, res *resource.Resource, effects []resource.Effect) {
	for _, eff := range effects {
		switch eff.Kind {
		case resource.EffectStartFetch:
			c.maybeStartFetch(ns, key, res)
		case resource.EffectNotifyContainer:
			c.dispatcher.Post(events.Event{
				Target: containerRef(eff.Container),
				Type:   events.ContainerResourceLocalized,
				Payload: events.ContainerResourceLocalizedPayload{
					Key:  res.Key(),
					Path: eff.Path,
				},
			})
		}
	}
}

func (c *Coordinator) maybeStartFetch(ns types.CacheNamespace, key string, res *resource.Resource) {
	if !res.TryAcquireFetch() {
		// Another fetcher is already in flight for this key; do nothing.
		return
	}
	if c.metrics != nil {
		c.metrics.InFlightFetches.Inc()
	}
	go c.runFetch(ns, key, res)
}

func (c *Coordinator) runFetch(ns types.CacheNamespace, key string, res *resource.Resource) {
	ctx := context.Background()
	result := <-c.downloader.Fetch(ctx, res.Key())
	if c.metrics != nil {
		c.metrics.InFlightFetches.Dec()
	}
	if result.Err != nil {
		if c.metrics != nil {
			c.metrics.FetchesTotal.WithLabelValues("failure").Inc()
		}
		c.dispatcher.Post(events.Event{
			Target:  resourceRef(key),
			Type:    fetchFailed,
			Payload: fetchFailedPayload{NS: ns, Key: res.Key(), Cause: result.Err},
		})
		return
	}
	if c.metrics != nil {
		c.metrics.FetchesTotal.WithLabelValues("success").Inc()
	}
	c.dispatcher.Post(events.Event{
		Target:  resourceRef(key),
		Type:    fetchComplete,
		Payload: fetchCompletePayload{NS: ns, Key: res.Key(), Path: result.Path, Size: result.Size},
	})
}

func (c *Coordinator) onFetchComplete(ev events.Event) {
	p := ev.Payload.(fetchCompletePayload)
	res, ok := c.lookup(ev.Target.Key)
	if !ok {
		return
	}
	effects := res.Localized(p.Path, p.Size)
	res.ReleaseFetch()
	c.applyEffects(p.NS, ev.Target.Key, res, effects)
}

func (c *Coordinator) onFetchFailed(ev events.Event) {
	p := ev.Payload.(fetchFailedPayload)
	res, ok := c.lookup(ev.Target.Key)
	if !ok {
		return
	}
	snap := res.Snapshot()
	for _, container := range snap.Refs {
		c.dispatcher.Post(events.Event{
			Target: containerRef(container),
			Type:   events.ContainerResourceFailed,
			Payload: events.ContainerResourceFailedPayload{
				Key:   p.Key,
				Cause: p.Cause,
			},
		})
		res.Release(container)
	}
	res.ReleaseFetch()
	if len(res.Snapshot().Refs) == 0 {
		c.remove(ev.Target.Key)
	}
}

// ReleaseApplicationScoped drops every cached resource namespaced to app,
// i.e. every key produced by cacheKey for types.VisibilityApplication
// requests under that application. Called once an application's last
// container reaches DONE; by then refs should already be empty for all of
// them, so this is a straightforward cache-namespace teardown rather than
// a second round of reference counting.
func (c *Coordinator) ReleaseApplicationScoped(app types.ApplicationId) {
	prefix := fmt.Sprintf("app:%s:", app)

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, r := range c.resources {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if len(r.Snapshot().Refs) > 0 {
			c.log.WithField("key", k).Warn("application finishing with still-referenced resource; leaving cached")
			continue
		}
		delete(c.resources, k)
	}
}

// Evict drops LOCALIZED, unreferenced resources from the cache, oldest
// lastTouch first, until the bytes of the LOCALIZED entries left are at or
// below targetBytes; a later request for an evicted key fetches it again.
// It removes cache entries only: the localized files stay on disk. It is
// advisory: a zero or negative targetBytes disables it.
func (c *Coordinator) Evict(targetBytes int64) {
	if targetBytes <= 0 {
		return
	}

	c.mu.Lock()
	candidates := make([]*resource.Resource, 0, len(c.resources))
	keys := make(map[*resource.Resource]string, len(c.resources))
	var total int64
	for k, r := range c.resources {
		snap := r.Snapshot()
		if snap.State == types.ResourceLocalized {
			total += snap.Size
		}
		if snap.State == types.ResourceLocalized && len(snap.Refs) == 0 {
			candidates = append(candidates, r)
			keys[r] = k
		}
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CacheBytes.Set(float64(total))
	}
	if total <= targetBytes {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Snapshot().LastTouch.Before(candidates[j].Snapshot().LastTouch)
	})

	for _, r := range candidates {
		if total <= targetBytes {
			break
		}
		snap := r.Snapshot()
		c.remove(keys[r])
		total -= snap.Size
		c.log.WithField("uri", snap.Key.URI).Debug("evicted localized resource")
	}
	if c.metrics != nil {
		c.metrics.CacheBytes.Set(float64(total))
	}
}
