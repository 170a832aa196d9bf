// Package application implements the Application state machine (C5): it
// groups the containers of one submitted job and gates bootstrap and final
// cleanup around them.
//
// Like Container and Resource, Handle is side-effect free: it returns the
// Effects its caller (the per-node engine wiring in internal/face) must
// carry out — posting CONTAINER_INIT down to newly added containers,
// CONTAINER_KILL down to any container still running when FINISH_APPLICATION
// arrives, and asking the localization coordinator to release
// application-scoped resources once every container is DONE.
package application

import (
	"sync"

	"github.com/clusterfabric/nodeagent/internal/events"
	"github.com/clusterfabric/nodeagent/internal/types"
)

// EffectKind tags the side effects Handle asks its caller to perform.
type EffectKind int

const (
	EffectInitContainer EffectKind = iota
	EffectKillContainer
	EffectReleaseAppResources
	EffectReportDone
)

// Effect is one action Handle could not perform itself.
type Effect struct {
	Kind      EffectKind
	Container types.ContainerId // for EffectInitContainer/EffectKillContainer
	User      string            // for EffectInitContainer
	LaunchCtx events.LaunchContext
}

// Application is one Application FSM instance.
type Application struct {
	mu sync.RWMutex

	id    types.ApplicationId
	user  string
	state types.ApplicationState

	containers map[types.ContainerId]bool
	pending    map[types.ContainerId]bool // containers not yet observed DONE

	finishRequested bool
}

// New creates an Application in state NEW. The first INIT_APPLICATION is
// what actually populates user/containers; New only reserves the id in
// Context so concurrent Start RPCs for the same application race safely
// through GetOrCreateApplication.
func New(id types.ApplicationId) *Application {
	return &Application{
		id:         id,
		state:      types.ApplicationNew,
		containers: make(map[types.ContainerId]bool),
		pending:    make(map[types.ContainerId]bool),
	}
}

func (a *Application) ID() types.ApplicationId { return a.id }

// Status is a consistent, race-free snapshot for status queries.
type Status struct {
	State      types.ApplicationState
	Containers []types.ContainerId
}

func (a *Application) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]types.ContainerId, 0, len(a.containers))
	for id := range a.containers {
		out = append(out, id)
	}
	return Status{State: a.state, Containers: out}
}

func (a *Application) State() types.ApplicationState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Handle applies ev to the FSM and returns the effects the caller must
// execute. Events arriving after DONE are logged by the caller and
// dropped here.
func (a *Application) Handle(ev events.Event) []Effect {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == types.ApplicationDone {
		return nil
	}

	switch ev.Type {
	case events.ApplicationInitContainer:
		p := ev.Payload.(events.ApplicationInitContainerPayload)
		return a.onInitContainer(p)
	case events.ApplicationInited:
		return a.onInited()
	case events.ApplicationContainerFinished:
		p := ev.Payload.(events.ApplicationContainerFinishedPayload)
		return a.onContainerFinished(p)
	case events.ApplicationFinish:
		return a.onFinish()
	case events.ApplicationResourcesCleaned:
		return a.onResourcesCleaned()
	default:
		return nil
	}
}

// onInitContainer handles both the application's first container (which
// also establishes its user and moves it out of NEW) and every later
// addition. A container seen for the first time while the application is
// INITING or RUNNING gets its own EffectInitContainer straight away; a
// repeated INIT_CONTAINER for a container already tracked yields no effect.
func (a *Application) onInitContainer(p events.ApplicationInitContainerPayload) []Effect {
	if a.state == types.ApplicationNew {
		a.state = types.ApplicationIniting
		a.user = p.User
	}

	isNew := !a.containers[p.Container]
	a.containers[p.Container] = true
	a.pending[p.Container] = true

	if !isNew {
		return nil
	}
	if a.state == types.ApplicationIniting {
		return []Effect{{Kind: EffectInitContainer, Container: p.Container, User: p.User, LaunchCtx: p.LaunchCtx}}
	}
	if a.state == types.ApplicationRunning {
		return []Effect{{Kind: EffectInitContainer, Container: p.Container, User: p.User, LaunchCtx: p.LaunchCtx}}
	}
	// FINISHING_CONTAINERS/FINISHING_APP: the application is already
	// winding down; a straggling Start for it is a caller bug, not
	// something this FSM can prevent, so the container is tracked for
	// bookkeeping purposes only and never launched.
	return nil
}

func (a *Application) onInited() []Effect {
	if a.state != types.ApplicationIniting {
		return nil
	}
	a.state = types.ApplicationRunning
	return nil
}

func (a *Application) onContainerFinished(p events.ApplicationContainerFinishedPayload) []Effect {
	if !a.containers[p.Container] {
		return nil
	}
	delete(a.pending, p.Container)
	return a.maybeFinish()
}

func (a *Application) onFinish() []Effect {
	a.finishRequested = true
	return a.maybeFinish()
}

// maybeFinish advances the application toward cleanup once both
// conditions hold: FINISH_APPLICATION has been received, and every
// tracked container has reached a terminal state (observed via
// APPLICATION_CONTAINER_FINISHED). It is called from both triggers since
// either may arrive last.
func (a *Application) maybeFinish() []Effect {
	if !a.finishRequested {
		return nil
	}
	switch a.state {
	case types.ApplicationRunning, types.ApplicationIniting, types.ApplicationFinishingContainers:
	default:
		return nil
	}
	if len(a.pending) == 0 {
		a.state = types.ApplicationFinishingApp
		return []Effect{{Kind: EffectReleaseAppResources}}
	}
	if a.state == types.ApplicationFinishingContainers {
		// KILL was already dispatched to every container pending at the
		// moment this application started winding down; just keep waiting
		// for the remaining APPLICATION_CONTAINER_FINISHED events.
		return nil
	}
	// First time finishing is possible: the application won't reach DONE
	// on its own, since nothing else kills its still-running containers.
	a.state = types.ApplicationFinishingContainers
	effects := make([]Effect, 0, len(a.pending))
	for id := range a.pending {
		effects = append(effects, Effect{Kind: EffectKillContainer, Container: id})
	}
	return effects
}

func (a *Application) onResourcesCleaned() []Effect {
	if a.state != types.ApplicationFinishingApp {
		return nil
	}
	a.state = types.ApplicationDone
	a.containers = make(map[types.ContainerId]bool)
	return []Effect{{Kind: EffectReportDone}}
}
