// Package face implements the external interface façade (C7) and the
// per-node engine that wires the Application (C5) and Container (C4) state
// machines to the dispatcher (C1), the localization coordinator (C3) and
// the launcher (C8). This is the data-flow glue the design describes in
// §2: "C7 inserts records into C6 and emits an ApplicationInit event...
// C4 hands off to the launcher; its completion event returns to C4".
package face

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clusterfabric/nodeagent/internal/application"
	"github.com/clusterfabric/nodeagent/internal/container"
	"github.com/clusterfabric/nodeagent/internal/events"
	"github.com/clusterfabric/nodeagent/internal/launcher"
	"github.com/clusterfabric/nodeagent/internal/localization"
	"github.com/clusterfabric/nodeagent/internal/metrics"
	"github.com/clusterfabric/nodeagent/internal/nodectx"
	"github.com/clusterfabric/nodeagent/internal/types"
)

// Engine owns the live FSM instances and translates the Effects they
// return into calls against the external collaborators, then posts the
// resulting completion events back through the dispatcher. Nothing here
// performs blocking I/O on the calling goroutine except where explicitly
// delegated to a background goroutine (Launch, Stop escalation).
type Engine struct {
	dispatcher  *events.Dispatcher
	ctx         *nodectx.Context
	coordinator *localization.Coordinator
	launcher    launcher.Launcher
	log         *logrus.Entry

	killGrace time.Duration
	killForce time.Duration

	// idsMu guards appIDs/containerIDs, the EntityRef-key -> typed-id
	// indices that let handleApplication/handleContainer recover the
	// concrete id a bare event (CONTAINER_INIT, CONTAINER_KILL,
	// APPLICATION_FINISH) carries only implicitly, in its EntityRef.
	idsMu        sync.RWMutex
	appIDs       map[string]types.ApplicationId
	containerIDs map[string]types.ContainerId

	metrics *metrics.Metrics
}

// SetMetrics attaches the C11 collectors the engine updates as containers
// reach terminal states. Optional.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// NewEngine builds an Engine and registers it as the dispatcher's handler
// for Application and Container events. killGrace/killForce are
// nm.killGraceMillis/nm.killForceMillis.
func NewEngine(d *events.Dispatcher, ctx *nodectx.Context, coord *localization.Coordinator, l launcher.Launcher, killGrace, killForce time.Duration, log *logrus.Entry) *Engine {
	e := &Engine{
		dispatcher:   d,
		ctx:          ctx,
		coordinator:  coord,
		launcher:     l,
		log:          log,
		killGrace:    killGrace,
		killForce:    killForce,
		appIDs:       make(map[string]types.ApplicationId),
		containerIDs: make(map[string]types.ContainerId),
	}
	d.Register(events.KindApplication, e.handleApplication)
	d.Register(events.KindContainer, e.handleContainer)
	return e
}

func appRef(id types.ApplicationId) events.EntityRef {
	return events.EntityRef{Kind: events.KindApplication, Key: id.String()}
}

func containerRef(id types.ContainerId) events.EntityRef {
	return events.EntityRef{Kind: events.KindContainer, Key: id.String()}
}

// rememberApplication/rememberContainer register the key->id mapping the
// first time an entity is addressed; both are idempotent.
func (e *Engine) rememberApplication(id types.ApplicationId) {
	e.idsMu.Lock()
	defer e.idsMu.Unlock()
	e.appIDs[id.String()] = id
}

func (e *Engine) rememberContainer(id types.ContainerId) {
	e.idsMu.Lock()
	defer e.idsMu.Unlock()
	e.containerIDs[id.String()] = id
}

func (e *Engine) appFor(id types.ApplicationId) (*application.Application, bool) {
	v, ok := e.ctx.GetApplication(id)
	if !ok {
		return nil, false
	}
	return v.(*application.Application), true
}

func (e *Engine) containerFor(id types.ContainerId) (*container.Container, bool) {
	v, ok := e.ctx.GetContainer(id)
	if !ok {
		return nil, false
	}
	return v.(*container.Container), true
}

func (e *Engine) handleApplication(ev events.Event) {
	e.idsMu.RLock()
	id, ok := e.appIDs[ev.Target.Key]
	e.idsMu.RUnlock()
	if !ok {
		e.log.WithField("event", ev.Type).Error("application event with unroutable key; dropping")
		return
	}
	app, ok := e.appFor(id)
	if !ok {
		e.log.WithField("application", id).Warn("event for unknown application; dropping")
		return
	}
	effects := app.Handle(ev)
	for _, eff := range effects {
		e.applyApplicationEffect(app, eff)
	}
}

func (e *Engine) applyApplicationEffect(app *application.Application, eff application.Effect) {
	switch eff.Kind {
	case application.EffectInitContainer:
		e.startContainerFSM(app.ID(), eff.Container, eff.User, eff.LaunchCtx)
	case application.EffectKillContainer:
		e.rememberContainer(eff.Container)
		e.dispatcher.Post(events.Event{Target: containerRef(eff.Container), Type: events.ContainerKill})
	case application.EffectReleaseAppResources:
		e.coordinator.ReleaseApplicationScoped(app.ID())
		// Release is synchronous and cannot fail (per the design's error
		// taxonomy, RELEASE has no failure mode), so the application's own
		// cleanup is acknowledged immediately rather than waiting on a
		// round trip through the coordinator.
		e.dispatcher.Post(events.Event{
			Target: appRef(app.ID()),
			Type:   events.ApplicationResourcesCleaned,
		})
	case application.EffectReportDone:
		e.ctx.DeleteApplication(app.ID())
	}
}

func (e *Engine) startContainerFSM(appID types.ApplicationId, id types.ContainerId, user string, launchCtx events.LaunchContext) {
	e.ctx.GetOrCreateContainer(id, func() nodectx.ContainerEntry {
		return container.New(id, user, launchCtx)
	})
	e.rememberContainer(id)
	e.dispatcher.Post(events.Event{Target: containerRef(id), Type: events.ContainerInit})
}

func (e *Engine) handleContainer(ev events.Event) {
	e.idsMu.RLock()
	id, ok := e.containerIDs[ev.Target.Key]
	e.idsMu.RUnlock()
	if !ok {
		e.log.WithField("event", ev.Type).Error("container event with unroutable key; dropping")
		return
	}
	c, ok := e.containerFor(id)
	if !ok {
		e.log.WithField("container", id).Warn("event for unknown container; dropping")
		return
	}
	effects := c.Handle(ev)
	for _, eff := range effects {
		e.applyContainerEffect(c, eff)
	}
}

func (e *Engine) namespaceFor(c *container.Container) types.CacheNamespace {
	return types.CacheNamespace{User: c.User(), ApplicationId: c.ID().App}
}

func (e *Engine) applyContainerEffect(c *container.Container, eff container.Effect) {
	switch eff.Kind {
	case container.EffectRequestResource:
		ns := e.namespaceFor(c)
		for _, r := range eff.Resources {
			e.coordinator.HandleFetchRequest(ns, r, c.ID())
		}
	case container.EffectReleaseAll:
		ns := e.namespaceFor(c)
		e.coordinator.ReleaseForContainer(ns, c.ID(), eff.Resources)
		// See EffectReleaseAppResources in applyApplicationEffect: release cannot
		// fail, so cleanup is acknowledged immediately.
		e.dispatcher.Post(events.Event{Target: containerRef(c.ID()), Type: events.ContainerCleanupDone})
	case container.EffectLaunch:
		e.launch(c)
	case container.EffectStop:
		e.stop(c)
	case container.EffectReportFinished:
		e.reportFinished(c)
	}
}

func (e *Engine) launch(c *container.Container) {
	go func() {
		paths := c.LocalizedPaths()
		exitCh, err := e.launcher.Launch(context.Background(), c.ID(), c.LaunchCommand(), c.LaunchEnv(), paths)
		if err != nil {
			e.log.WithError(err).WithField("container", c.ID()).Error("launch failed")
			// LaunchFailure is equivalent to an immediate EXITED_WITH_FAILURE
			// (§7); the container is still LOCALIZED, so it is carried
			// through LAUNCHED first to reach the state from which EXITED is
			// accepted, then immediately reported as failed.
			e.dispatcher.Post(events.Event{Target: containerRef(c.ID()), Type: events.ContainerLaunched})
			e.dispatcher.Post(events.Event{Target: containerRef(c.ID()), Type: events.ContainerExited, Payload: events.ContainerExitedPayload{ExitCode: -1}})
			return
		}
		e.dispatcher.Post(events.Event{Target: containerRef(c.ID()), Type: events.ContainerLaunched})
		exit := <-exitCh
		code := exit.Code
		if exit.Err != nil {
			code = -1
		}
		e.dispatcher.Post(events.Event{Target: containerRef(c.ID()), Type: events.ContainerExited, Payload: events.ContainerExitedPayload{ExitCode: code}})
	}()
}

func (e *Engine) stop(c *container.Container) {
	go func() {
		if err := e.launcher.Stop(context.Background(), c.ID()); err != nil {
			e.log.WithError(err).WithField("container", c.ID()).Warn("graceful stop request failed; escalation timer still runs")
		}
		e.scheduleKillEscalation(c)
	}()
}

// scheduleKillEscalation forces the container after killGrace if it has
// not yet left KILLING, and logs (but does not retry) if it is still
// running after killForce elapses past that.
func (e *Engine) scheduleKillEscalation(c *container.Container) {
	time.AfterFunc(e.killGrace, func() {
		if c.State() != types.ContainerKilling {
			return
		}
		if err := e.launcher.Kill(context.Background(), c.ID()); err != nil {
			e.log.WithError(err).WithField("container", c.ID()).Error("forced kill failed")
		}
		time.AfterFunc(e.killForce, func() {
			if c.State() == types.ContainerKilling {
				e.log.WithField("container", c.ID()).Error("container still KILLING past force-kill deadline")
			}
		})
	})
}

// containerOutcome classifies a terminal container's Status for the
// containers_total metric. A killed container's exit code (if the process
// happened to report one before CLEANUP_DONE caught up) is irrelevant next
// to the fact that it was killed, so diagnostics is checked first.
func containerOutcome(status container.Status) string {
	if status.Diagnostics == "killed" {
		return "killed"
	}
	if status.ExitCode != nil && *status.ExitCode == 0 {
		return "success"
	}
	return "failure"
}

func (e *Engine) reportFinished(c *container.Container) {
	if e.metrics != nil {
		e.metrics.ContainersTotal.WithLabelValues(containerOutcome(c.Status())).Inc()
	}
	e.dispatcher.Post(events.Event{
		Target: appRef(c.ID().App),
		Type:   events.ApplicationContainerFinished,
		Payload: events.ApplicationContainerFinishedPayload{
			Container: c.ID(),
		},
	})
	e.ctx.DeleteContainer(c.ID())
}
