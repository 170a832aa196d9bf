// Package launcher defines the external launcher collaborator (C8): the
// OS-level mechanism that actually runs a prepared container. The core
// only ever calls Launch/Stop/Kill and waits for an asynchronous exit
// report on the channel Launch returns; it never blocks a dispatcher
// worker on these calls.
package launcher

import (
	"context"

	"github.com/clusterfabric/nodeagent/internal/types"
)

// Exit is reported once, asynchronously, when a launched container stops
// running for any reason.
type Exit struct {
	Container types.ContainerId
	Code      int32
	Err       error // non-nil when waiting for the exit failed and Code is unknown; a launch failure is returned by Launch itself
}

// Launcher runs and supervises containers on behalf of the Container FSM.
type Launcher interface {
	// Launch starts container and returns a channel that receives exactly
	// one Exit when it stops. Resources is the set of localized
	// (key -> local path) bindings the container is to see.
	Launch(ctx context.Context, container types.ContainerId, command []string, env map[string]string, resources map[string]string) (<-chan Exit, error)

	// Stop asks the container to terminate gracefully (e.g. SIGTERM).
	Stop(ctx context.Context, container types.ContainerId) error

	// Kill forcibly terminates the container. Called after the grace
	// period (nm.killGraceMillis) elapses without an Exit.
	Kill(ctx context.Context, container types.ContainerId) error
}
