// Package resource implements the LocalizedResource state machine (C2):
// one cacheable, reference-counted local materialization of a single
// remote resource.
//
// A LocalizedResource never performs I/O and never talks to the
// dispatcher or the downloader directly. Its event methods (Request,
// Localized, Release) apply the transition table from the design and
// return the side effects the caller (the
// localization coordinator, C3) must carry out — starting a fetch,
// notifying waiting containers. This keeps the FSM itself synchronous,
// side-effect-free and trivially unit-testable, per the "data-driven
// transition table" guidance.
package resource

import (
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/clusterfabric/nodeagent/internal/types"
)

// EffectKind tags the side effects the event methods ask the coordinator to perform.
type EffectKind int

const (
	// EffectStartFetch asks the coordinator to tryAcquire the fetch permit
	// and, if acquired, delegate to the external downloader.
	EffectStartFetch EffectKind = iota
	// EffectNotifyContainer asks the coordinator to post
	// ContainerResourceLocalized to Container.
	EffectNotifyContainer
)

// Effect is one action an event method could not perform itself.
type Effect struct {
	Kind      EffectKind
	Container types.ContainerId
	Path      string
}

// Resource is one LocalizedResource FSM instance.
type Resource struct {
	// mu guards every field below except the fetch permit, which is an
	// independent single-holder lock (see TryAcquireFetch). It is
	// go-deadlock's drop-in sync.Mutex so a handler bug that recurses into
	// its own lock is reported instead of wedging the entity forever,
	// mirroring how the teacher guards StatsMutex/ContainerMutex.
	mu deadlock.Mutex

	key       types.LocalResourceRequest
	state     types.ResourceState
	refs      []types.ContainerId // duplicates permitted, ordered
	localPath string
	size      int64
	lastTouch time.Time

	// fetchPermit makes "at most one fetcher in flight" syntactically
	// apparent: a capacity-1 token channel is a single-holder try-lock, not
	// a counting semaphore, and TryAcquireFetch's select/default makes the
	// non-blocking try explicit rather than relying on a Mutex.TryLock that
	// may not exist on every lock flavor in play.
	fetchPermit chan struct{}
}

// New creates a LocalizedResource in state INIT for key.
func New(key types.LocalResourceRequest) *Resource {
	permit := make(chan struct{}, 1)
	permit <- struct{}{}
	return &Resource{key: key, state: types.ResourceInit, lastTouch: time.Now(), fetchPermit: permit}
}

func (r *Resource) Key() types.LocalResourceRequest { return r.key }

// Snapshot is a consistent, race-free read of a Resource's public fields,
// used for cache-eviction scans and diagnostics.
type Snapshot struct {
	Key       types.LocalResourceRequest
	State     types.ResourceState
	Refs      []types.ContainerId
	LocalPath string
	Size      int64
	LastTouch time.Time
}

func (r *Resource) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := make([]types.ContainerId, len(r.refs))
	copy(refs, r.refs)
	return Snapshot{
		Key:       r.key,
		State:     r.state,
		Refs:      refs,
		LocalPath: r.localPath,
		Size:      r.size,
		LastTouch: r.lastTouch,
	}
}

// Request handles the REQUEST event: container wants this resource
// localized. Returns the effects the coordinator must carry out.
func (r *Resource) Request(container types.ContainerId) []Effect {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refs = append(r.refs, container)
	r.lastTouch = time.Now()

	switch r.state {
	case types.ResourceInit:
		r.state = types.ResourceDownloading
		return []Effect{{Kind: EffectStartFetch}}
	case types.ResourceDownloading:
		// Idempotent: a fetch is already (or about to be) in flight.
		return []Effect{{Kind: EffectStartFetch}}
	case types.ResourceLocalized:
		return []Effect{{Kind: EffectNotifyContainer, Container: container, Path: r.localPath}}
	default:
		return nil
	}
}

// Localized handles the LOCALIZED event: the downloader finished (or, in
// the INIT case, a completion raced ahead of any waiter).
func (r *Resource) Localized(path string, size int64) []Effect {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case types.ResourceInit:
		// No one is waiting; store it anyway so future REQUESTs hit cache.
		r.state = types.ResourceLocalized
		r.localPath = path
		r.size = size
		r.lastTouch = time.Now()
		return nil
	case types.ResourceDownloading:
		r.state = types.ResourceLocalized
		r.localPath = path
		r.size = size
		r.lastTouch = time.Now()
		effects := make([]Effect, 0, len(r.refs))
		for _, c := range r.refs {
			effects = append(effects, Effect{Kind: EffectNotifyContainer, Container: c, Path: path})
		}
		return effects
	case types.ResourceLocalized:
		// Duplicate completion: idempotent no-op.
		return nil
	default:
		return nil
	}
}

// Release handles the RELEASE event: container no longer needs this
// resource. Removing a container not present in refs is logged by the
// caller and is otherwise a no-op here; it must never panic.
func (r *Resource) Release(container types.ContainerId) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, c := range r.refs {
		if c == container {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	r.refs = append(r.refs[:idx], r.refs[idx+1:]...)
	r.lastTouch = time.Now()

	if r.state == types.ResourceDownloading && len(r.refs) == 0 {
		r.state = types.ResourceInit
	}
}

// HasRef reports whether container is currently present in refs; used by
// the coordinator to decide whether a RELEASE is for a registered
// container or should just log a warning.
func (r *Resource) HasRef(container types.ContainerId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.refs {
		if c == container {
			return true
		}
	}
	return false
}

// TryAcquireFetch attempts to become the single in-flight fetcher for this
// resource. Returns false if another fetch is already in flight.
func (r *Resource) TryAcquireFetch() bool {
	select {
	case <-r.fetchPermit:
		return true
	default:
		return false
	}
}

// ReleaseFetch releases the fetch permit. Safe to call from a goroutine
// other than the one that acquired it (the downloader worker reports
// completion asynchronously). Releasing a permit that is not held is a
// no-op: the capacity-1 channel already holds the token, so the extra
// release is dropped and can never admit a second concurrent fetcher.
func (r *Resource) ReleaseFetch() {
	select {
	case r.fetchPermit <- struct{}{}:
	default:
	}
}
