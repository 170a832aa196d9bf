package types

import "fmt"

// Visibility is the sharing scope of a LocalizedResource.
type Visibility int

const (
	VisibilityPublic Visibility = iota
	VisibilityPrivate
	VisibilityApplication
)

func (v Visibility) String() string {
	switch v {
	case VisibilityPublic:
		return "PUBLIC"
	case VisibilityPrivate:
		return "PRIVATE"
	case VisibilityApplication:
		return "APPLICATION"
	default:
		return fmt.Sprintf("Visibility(%d)", int(v))
	}
}

// LocalResourceRequest is a value-typed description of a remote resource to
// localize. It is comparable: equality of all four fields defines the cache
// key a LocalizedResource is stored under.
type LocalResourceRequest struct {
	URI        string
	Size       int64
	Timestamp  int64
	Visibility Visibility
}

func (r LocalResourceRequest) String() string {
	return fmt.Sprintf("%s@%s[%d:%d]", r.URI, r.Visibility, r.Timestamp, r.Size)
}

// CacheNamespace returns the additional partition key PRIVATE and
// APPLICATION visibility resources are keyed under, on top of the request
// itself. PUBLIC resources share a single, unpartitioned cache.
type CacheNamespace struct {
	User          string
	ApplicationId ApplicationId
}

// ResourceState is the state of a LocalizedResource FSM (C2).
type ResourceState int

const (
	ResourceInit ResourceState = iota
	ResourceDownloading
	ResourceLocalized
)

func (s ResourceState) String() string {
	switch s {
	case ResourceInit:
		return "INIT"
	case ResourceDownloading:
		return "DOWNLOADING"
	case ResourceLocalized:
		return "LOCALIZED"
	default:
		return fmt.Sprintf("ResourceState(%d)", int(s))
	}
}
