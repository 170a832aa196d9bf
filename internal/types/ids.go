// Package types holds the value-typed identifiers and data model shared by
// the application, container and localized-resource state machines.
package types

import "fmt"

// ApplicationId identifies one submitted application. It is immutable and
// comparable, so it can be used directly as a map key.
type ApplicationId struct {
	ClusterTimestamp uint64
	ID               uint32
}

func (a ApplicationId) String() string {
	return fmt.Sprintf("application_%d_%04d", a.ClusterTimestamp, a.ID)
}

// ContainerId identifies one container launched on behalf of an
// ApplicationId. Immutable and comparable.
type ContainerId struct {
	App      ApplicationId
	Sequence uint32
}

func (c ContainerId) String() string {
	return fmt.Sprintf("container_%d_%04d_%02d", c.App.ClusterTimestamp, c.App.ID, c.Sequence)
}
