// Package downloader defines the external localization-fetch collaborator
// (out of scope per the design: checksumming and on-disk layout mechanics
// belong to it, not to the core) and ships one concrete, bounded-worker-
// pool implementation.
package downloader

import (
	"context"

	"github.com/clusterfabric/nodeagent/internal/types"
)

// Result is reported back to the localization coordinator once a fetch
// finishes, successfully or not.
type Result struct {
	Key  types.LocalResourceRequest
	Path string
	Size int64
	Err  error
}

// Downloader fetches one resource onto local storage asynchronously.
// Fetch must not block the caller: it enqueues the work and returns;
// completion is reported on the returned channel exactly once. No
// implicit retries live here or in the core — retry policy, if any, is
// this collaborator's business.
type Downloader interface {
	Fetch(ctx context.Context, key types.LocalResourceRequest) <-chan Result
}
