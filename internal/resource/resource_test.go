package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clusterfabric/nodeagent/internal/types"
)

func testKey() types.LocalResourceRequest {
	return types.LocalResourceRequest{URI: "https://example/archive.tar", Size: 1024, Timestamp: 1, Visibility: types.VisibilityPublic}
}

func TestRequestFromInitStartsFetch(t *testing.T) {
	r := New(testKey())
	c := types.ContainerId{Sequence: 1}

	effects := r.Request(c)

	assert.Equal(t, []Effect{{Kind: EffectStartFetch}}, effects)
	assert.Equal(t, types.ResourceDownloading, r.Snapshot().State)
	assert.True(t, r.HasRef(c))
}

func TestSecondRequestWhileDownloadingIsIdempotent(t *testing.T) {
	r := New(testKey())
	c1 := types.ContainerId{Sequence: 1}
	c2 := types.ContainerId{Sequence: 2}

	r.Request(c1)
	effects := r.Request(c2)

	assert.Equal(t, []Effect{{Kind: EffectStartFetch}}, effects)
	assert.Equal(t, types.ResourceDownloading, r.Snapshot().State)
	assert.True(t, r.HasRef(c1))
	assert.True(t, r.HasRef(c2))
}

func TestLocalizedNotifiesAllWaiters(t *testing.T) {
	r := New(testKey())
	c1 := types.ContainerId{Sequence: 1}
	c2 := types.ContainerId{Sequence: 2}
	r.Request(c1)
	r.Request(c2)

	effects := r.Localized("/var/cache/archive.tar", 2048)

	assert.ElementsMatch(t, []Effect{
		{Kind: EffectNotifyContainer, Container: c1, Path: "/var/cache/archive.tar"},
		{Kind: EffectNotifyContainer, Container: c2, Path: "/var/cache/archive.tar"},
	}, effects)
	snap := r.Snapshot()
	assert.Equal(t, types.ResourceLocalized, snap.State)
	assert.EqualValues(t, 2048, snap.Size)
}

func TestLocalizedWithNoWaitersIsStoredSilently(t *testing.T) {
	r := New(testKey())

	effects := r.Localized("/var/cache/archive.tar", 2048)

	assert.Empty(t, effects)
	assert.Equal(t, types.ResourceLocalized, r.Snapshot().State)
}

func TestRequestAfterLocalizedNotifiesImmediately(t *testing.T) {
	r := New(testKey())
	r.Localized("/var/cache/archive.tar", 2048)
	c := types.ContainerId{Sequence: 1}

	effects := r.Request(c)

	assert.Equal(t, []Effect{{Kind: EffectNotifyContainer, Container: c, Path: "/var/cache/archive.tar"}}, effects)
}

func TestDuplicateLocalizedIsIdempotent(t *testing.T) {
	r := New(testKey())
	r.Localized("/var/cache/archive.tar", 2048)

	effects := r.Localized("/var/cache/archive.tar", 2048)

	assert.Empty(t, effects)
}

func TestReleaseDrainsRefsBackToInit(t *testing.T) {
	r := New(testKey())
	c := types.ContainerId{Sequence: 1}
	r.Request(c)

	r.Release(c)

	assert.Equal(t, types.ResourceInit, r.Snapshot().State)
	assert.False(t, r.HasRef(c))
}

func TestReleaseOfUnknownContainerIsNoOp(t *testing.T) {
	r := New(testKey())
	c := types.ContainerId{Sequence: 1}
	r.Request(c)

	assert.NotPanics(t, func() {
		r.Release(types.ContainerId{Sequence: 99})
	})
	assert.True(t, r.HasRef(c))
}

func TestReleaseWhileStillReferencedStaysDownloading(t *testing.T) {
	r := New(testKey())
	c1 := types.ContainerId{Sequence: 1}
	c2 := types.ContainerId{Sequence: 2}
	r.Request(c1)
	r.Request(c2)

	r.Release(c1)

	assert.Equal(t, types.ResourceDownloading, r.Snapshot().State)
	assert.False(t, r.HasRef(c1))
	assert.True(t, r.HasRef(c2))
}

func TestFetchPermitIsSingleHolder(t *testing.T) {
	r := New(testKey())

	assert.True(t, r.TryAcquireFetch())
	assert.False(t, r.TryAcquireFetch())

	r.ReleaseFetch()
	assert.True(t, r.TryAcquireFetch())
}
