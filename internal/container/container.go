// Package container implements the Container state machine (C4): it
// drives one container through init, localization, launch, and cleanup.
//
// Like the resource package, Handle is side-effect free: it applies the
// transition table and returns the Effects its caller (the per-node
// engine wiring in internal/face) must carry out against the
// localization coordinator and the external launcher. This keeps the FSM
// itself synchronous and independently testable.
package container

import (
	"sync"
	"time"

	"github.com/clusterfabric/nodeagent/internal/events"
	"github.com/clusterfabric/nodeagent/internal/types"
)

// EffectKind tags the side effects Handle asks its caller to perform.
type EffectKind int

const (
	EffectRequestResource EffectKind = iota
	EffectReleaseAll
	EffectLaunch
	EffectStop
	EffectReportFinished
)

// Effect is one action Handle could not perform itself.
type Effect struct {
	Kind      EffectKind
	Resources []types.LocalResourceRequest // for EffectRequestResource/EffectReleaseAll
}

// Container is one Container FSM instance.
type Container struct {
	id types.ContainerId

	// mu guards every field below. Status queries (GetContainerStatus)
	// take RLock from the RPC caller's goroutine concurrently with the
	// dispatcher worker holding Lock while applying a transition; fields
	// are only ever mutated on the dispatcher worker assigned to this
	// container's entity key, so the Lock here exists purely to give
	// observers a consistent snapshot, not to serialize writers.
	mu sync.RWMutex

	state       types.ContainerState
	user        string
	launchCtx   events.LaunchContext
	pending     map[types.LocalResourceRequest]int // outstanding requests per key
	localized   map[types.LocalResourceRequest]string
	diagnostics string
	exitCode    *int32

	// outstanding counts declared-but-not-yet-localized resources; the
	// LOCALIZING -> LOCALIZED transition fires exactly once, the instant
	// this reaches zero, even if two RESOURCE_LOCALIZED events for
	// different keys are processed back to back.
	outstanding int
}

// New creates a Container in state NEW.
func New(id types.ContainerId, user string, launchCtx events.LaunchContext) *Container {
	return &Container{
		id:        id,
		user:      user,
		state:     types.ContainerNew,
		launchCtx: launchCtx,
		pending:   make(map[types.LocalResourceRequest]int),
		localized: make(map[types.LocalResourceRequest]string),
	}
}

func (c *Container) ID() types.ContainerId { return c.id }

// Status is a consistent, race-free snapshot for GetContainerStatus.
type Status struct {
	State       types.ContainerState
	ExitCode    *int32
	Diagnostics string
}

func (c *Container) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{State: c.state, ExitCode: c.exitCode, Diagnostics: c.diagnostics}
}

func (c *Container) State() types.ContainerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Handle applies ev to the FSM and returns the effects the caller must
// execute. Events arriving after DONE are logged by the caller and
// dropped here (returns nil, nil effects).
func (c *Container) Handle(ev events.Event) []Effect {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == types.ContainerDone {
		return nil
	}

	switch ev.Type {
	case events.ContainerInit:
		return c.onInit()
	case events.ContainerResourceLocalized:
		p := ev.Payload.(events.ContainerResourceLocalizedPayload)
		return c.onResourceLocalized(p)
	case events.ContainerResourceFailed:
		p := ev.Payload.(events.ContainerResourceFailedPayload)
		return c.onResourceFailed(p)
	case events.ContainerLaunched:
		return c.onLaunched()
	case events.ContainerExited:
		p := ev.Payload.(events.ContainerExitedPayload)
		return c.onExited(p)
	case events.ContainerKill:
		return c.onKill()
	case events.ContainerCleanupDone:
		return c.onCleanupDone()
	case events.ContainerDiagnosticUpdate:
		p := ev.Payload.(events.ContainerDiagnosticUpdatePayload)
		c.diagnostics = p.Text
		return nil
	default:
		return nil
	}
}

func (c *Container) onInit() []Effect {
	if c.state != types.ContainerNew {
		return nil
	}
	c.state = types.ContainerLocalizing
	c.outstanding = len(c.launchCtx.Resources)
	for _, r := range c.launchCtx.Resources {
		c.pending[r]++
	}

	if c.outstanding == 0 {
		// Empty resource set: proceed directly to LOCALIZED without any
		// localization-coordinator traffic.
		c.state = types.ContainerLocalized
		return []Effect{{Kind: EffectLaunch}}
	}
	return []Effect{{Kind: EffectRequestResource, Resources: c.launchCtx.Resources}}
}

func (c *Container) onResourceLocalized(p events.ContainerResourceLocalizedPayload) []Effect {
	if c.state != types.ContainerLocalizing {
		return nil
	}
	c.localized[p.Key] = p.Path
	if n := c.pending[p.Key]; n > 0 {
		c.pending[p.Key] = n - 1
		c.outstanding--
	}

	if c.outstanding <= 0 {
		c.state = types.ContainerLocalized
		return []Effect{{Kind: EffectLaunch}}
	}
	return nil
}

func (c *Container) onResourceFailed(p events.ContainerResourceFailedPayload) []Effect {
	if c.state != types.ContainerLocalizing {
		return nil
	}
	c.state = types.ContainerKilling
	c.diagnostics = "resource localization failed: " + p.Cause.Error()
	return []Effect{{Kind: EffectReleaseAll, Resources: c.acquiredResources()}}
}

func (c *Container) onLaunched() []Effect {
	if c.state == types.ContainerLocalized {
		c.state = types.ContainerRunning
	}
	return nil
}

func (c *Container) onExited(p events.ContainerExitedPayload) []Effect {
	if c.state != types.ContainerRunning && c.state != types.ContainerKilling {
		return nil
	}
	code := p.ExitCode
	c.exitCode = &code

	if c.state == types.ContainerKilling {
		// The grace/force escalation (or an external Stop) caused the exit;
		// diagnostics is already set by onKill. The container was RUNNING
		// when killed (onKill releases immediately for any earlier state),
		// so its resources are still held and must be released now to drive
		// KILLING -> DONE via the CLEANUP_DONE this effect produces.
		return []Effect{{Kind: EffectReleaseAll, Resources: c.acquiredResources()}}
	}

	if code == 0 {
		c.state = types.ContainerExitedWithSuccess
	} else {
		c.state = types.ContainerExitedWithFailure
	}
	return []Effect{{Kind: EffectReleaseAll, Resources: c.acquiredResources()}}
}

func (c *Container) onKill() []Effect {
	if c.state == types.ContainerKilling || c.state.Terminal() {
		return nil
	}
	prev := c.state
	c.state = types.ContainerKilling
	c.diagnostics = "killed"
	if prev == types.ContainerRunning {
		return []Effect{{Kind: EffectStop}}
	}
	return []Effect{{Kind: EffectReleaseAll, Resources: c.acquiredResources()}}
}

func (c *Container) onCleanupDone() []Effect {
	switch c.state {
	case types.ContainerKilling:
		// A killed container is never a success, regardless of whether an
		// exit code ever arrived from the launcher.
		c.state = types.ContainerDone
	case types.ContainerExitedWithSuccess, types.ContainerExitedWithFailure:
		c.state = types.ContainerDone
	}
	if c.state == types.ContainerDone {
		return []Effect{{Kind: EffectReportFinished}}
	}
	return nil
}

func (c *Container) acquiredResources() []types.LocalResourceRequest {
	out := make([]types.LocalResourceRequest, 0, len(c.launchCtx.Resources))
	seen := make(map[types.LocalResourceRequest]bool)
	for _, r := range c.launchCtx.Resources {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

// LaunchCommand/LaunchEnv/User expose what the launch-time effect handler
// needs without leaking mutable internals.
func (c *Container) LaunchCommand() []string { return append([]string(nil), c.launchCtx.Command...) }
func (c *Container) LaunchEnv() map[string]string {
	out := make(map[string]string, len(c.launchCtx.Env))
	for k, v := range c.launchCtx.Env {
		out[k] = v
	}
	return out
}
func (c *Container) User() string { return c.user }

func (c *Container) LocalizedPaths() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.localized))
	for k, v := range c.localized {
		out[k.URI] = v
	}
	return out
}

// GraceDeadline is used by the KILL escalation timer.
func GraceDeadline(grace time.Duration) time.Time { return time.Now().Add(grace) }
