// Package nodectx holds the shared, node-wide registries (C6): the set of
// known applications and containers. Both registries give
// insert-if-absent semantics — the first creator wins, later callers get
// the existing entry back untouched — and are safe for concurrent use from
// any goroutine. Deletion is the sole responsibility of the owning FSM,
// performed only once that entity has reached its terminal state.
package nodectx

import (
	"sync"

	"github.com/clusterfabric/nodeagent/internal/types"
)

// Context is the per-node registry of live applications and containers.
type Context struct {
	apps       sync.Map // types.ApplicationId -> *ApplicationEntry
	containers sync.Map // types.ContainerId -> *ContainerEntry
}

// ApplicationEntry and ContainerEntry are opaque handles: the registries
// only ever store and hand back the pointer a caller creates, they never
// interpret its contents. This keeps nodectx independent of the concrete
// Application/Container structs, which live in their own packages;
// nodectx imports neither of them.
type ApplicationEntry any
type ContainerEntry any

// New returns an empty Context.
func New() *Context {
	return &Context{}
}

// GetOrCreateApplication atomically inserts the value returned by create
// if no entry exists yet for id; otherwise it returns the existing entry.
// created reports whether this call won the race and create() was
// invoked and installed.
func (c *Context) GetOrCreateApplication(id types.ApplicationId, create func() ApplicationEntry) (entry ApplicationEntry, created bool) {
	if v, ok := c.apps.Load(id); ok {
		return v, false
	}
	actual, loaded := c.apps.LoadOrStore(id, create())
	return actual, !loaded
}

// GetApplication returns the entry for id, if any.
func (c *Context) GetApplication(id types.ApplicationId) (ApplicationEntry, bool) {
	return c.apps.Load(id)
}

// DeleteApplication removes id. Callers must only do this once the owning
// Application FSM has reached state DONE.
func (c *Context) DeleteApplication(id types.ApplicationId) {
	c.apps.Delete(id)
}

// GetOrCreateContainer atomically inserts the value returned by create if
// no entry exists yet for id.
func (c *Context) GetOrCreateContainer(id types.ContainerId, create func() ContainerEntry) (entry ContainerEntry, created bool) {
	if v, ok := c.containers.Load(id); ok {
		return v, false
	}
	actual, loaded := c.containers.LoadOrStore(id, create())
	return actual, !loaded
}

// GetContainer returns the entry for id, if any.
func (c *Context) GetContainer(id types.ContainerId) (ContainerEntry, bool) {
	return c.containers.Load(id)
}

// DeleteContainer removes id. Callers must only do this once the owning
// Container FSM has reached state DONE and its resource releases have
// been acknowledged by the localization coordinator.
func (c *Context) DeleteContainer(id types.ContainerId) {
	c.containers.Delete(id)
}

// RangeContainers calls f for every live container entry. It is not
// linearized against concurrent inserts/deletes, matching the
// snapshot-consistency guarantee the design gives to observers.
func (c *Context) RangeContainers(f func(types.ContainerId, ContainerEntry) bool) {
	c.containers.Range(func(k, v any) bool {
		return f(k.(types.ContainerId), v)
	})
}
