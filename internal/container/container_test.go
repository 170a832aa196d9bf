package container

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clusterfabric/nodeagent/internal/events"
	"github.com/clusterfabric/nodeagent/internal/types"
)

func testID() types.ContainerId {
	return types.ContainerId{App: types.ApplicationId{ClusterTimestamp: 1, ID: 1}, Sequence: 1}
}

func testResource(uri string) types.LocalResourceRequest {
	return types.LocalResourceRequest{URI: uri, Size: 100, Timestamp: 1, Visibility: types.VisibilityPublic}
}

func TestInitWithResourcesRequestsLocalization(t *testing.T) {
	c := New(testID(), "alice", events.LaunchContext{
		Resources: []types.LocalResourceRequest{testResource("a"), testResource("b")},
		Command:   []string{"echo", "hi"},
	})

	effects := c.Handle(events.Event{Type: events.ContainerInit})

	assert.Equal(t, types.ContainerLocalizing, c.State())
	if assert.Len(t, effects, 1) {
		assert.Equal(t, EffectRequestResource, effects[0].Kind)
		assert.Len(t, effects[0].Resources, 2)
	}
}

func TestInitWithNoResourcesGoesStraightToLaunch(t *testing.T) {
	c := New(testID(), "alice", events.LaunchContext{Command: []string{"echo", "hi"}})

	effects := c.Handle(events.Event{Type: events.ContainerInit})

	assert.Equal(t, types.ContainerLocalized, c.State())
	assert.Equal(t, []Effect{{Kind: EffectLaunch}}, effects)
}

func TestAllResourcesLocalizedTriggersLaunch(t *testing.T) {
	r1, r2 := testResource("a"), testResource("b")
	c := New(testID(), "alice", events.LaunchContext{Resources: []types.LocalResourceRequest{r1, r2}})
	c.Handle(events.Event{Type: events.ContainerInit})

	effects := c.Handle(events.Event{Type: events.ContainerResourceLocalized, Payload: events.ContainerResourceLocalizedPayload{Key: r1, Path: "/a"}})
	assert.Empty(t, effects)
	assert.Equal(t, types.ContainerLocalizing, c.State())

	effects = c.Handle(events.Event{Type: events.ContainerResourceLocalized, Payload: events.ContainerResourceLocalizedPayload{Key: r2, Path: "/b"}})
	assert.Equal(t, []Effect{{Kind: EffectLaunch}}, effects)
	assert.Equal(t, types.ContainerLocalized, c.State())
}

func TestResourceFailureKillsAndReleases(t *testing.T) {
	r1 := testResource("a")
	c := New(testID(), "alice", events.LaunchContext{Resources: []types.LocalResourceRequest{r1}})
	c.Handle(events.Event{Type: events.ContainerInit})

	effects := c.Handle(events.Event{Type: events.ContainerResourceFailed, Payload: events.ContainerResourceFailedPayload{Key: r1, Cause: assertErr}})

	assert.Equal(t, types.ContainerKilling, c.State())
	if assert.Len(t, effects, 1) {
		assert.Equal(t, EffectReleaseAll, effects[0].Kind)
	}
}

var assertErr = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestLaunchedMovesLocalizedToRunning(t *testing.T) {
	c := New(testID(), "alice", events.LaunchContext{Command: []string{"x"}})
	c.Handle(events.Event{Type: events.ContainerInit})

	c.Handle(events.Event{Type: events.ContainerLaunched})

	assert.Equal(t, types.ContainerRunning, c.State())
}

func TestExitedWithZeroCodeIsSuccess(t *testing.T) {
	c := New(testID(), "alice", events.LaunchContext{Command: []string{"x"}})
	c.Handle(events.Event{Type: events.ContainerInit})
	c.Handle(events.Event{Type: events.ContainerLaunched})

	effects := c.Handle(events.Event{Type: events.ContainerExited, Payload: events.ContainerExitedPayload{ExitCode: 0}})

	assert.Equal(t, types.ContainerExitedWithSuccess, c.State())
	if assert.Len(t, effects, 1) {
		assert.Equal(t, EffectReleaseAll, effects[0].Kind)
	}
	status := c.Status()
	assert.Equal(t, int32(0), *status.ExitCode)
}

func TestExitedWithNonZeroCodeIsFailure(t *testing.T) {
	c := New(testID(), "alice", events.LaunchContext{Command: []string{"x"}})
	c.Handle(events.Event{Type: events.ContainerInit})
	c.Handle(events.Event{Type: events.ContainerLaunched})

	c.Handle(events.Event{Type: events.ContainerExited, Payload: events.ContainerExitedPayload{ExitCode: 1}})

	assert.Equal(t, types.ContainerExitedWithFailure, c.State())
}

func TestKillWhileRunningStopsAndWaitsForExit(t *testing.T) {
	c := New(testID(), "alice", events.LaunchContext{Command: []string{"x"}})
	c.Handle(events.Event{Type: events.ContainerInit})
	c.Handle(events.Event{Type: events.ContainerLaunched})

	effects := c.Handle(events.Event{Type: events.ContainerKill})

	assert.Equal(t, types.ContainerKilling, c.State())
	assert.Equal(t, []Effect{{Kind: EffectStop}}, effects)
}

func TestExitAfterKillReleasesAndStaysInKillingUntilCleanup(t *testing.T) {
	c := New(testID(), "alice", events.LaunchContext{Command: []string{"x"}})
	c.Handle(events.Event{Type: events.ContainerInit})
	c.Handle(events.Event{Type: events.ContainerLaunched})
	c.Handle(events.Event{Type: events.ContainerKill})

	effects := c.Handle(events.Event{Type: events.ContainerExited, Payload: events.ContainerExitedPayload{ExitCode: 137}})

	assert.Equal(t, []Effect{{Kind: EffectReleaseAll, Resources: c.acquiredResources()}}, effects)
	assert.Equal(t, types.ContainerKilling, c.State())
}

func TestKilledRunningContainerReachesDoneAfterExitAndCleanup(t *testing.T) {
	c := New(testID(), "alice", events.LaunchContext{Command: []string{"x"}})
	c.Handle(events.Event{Type: events.ContainerInit})
	c.Handle(events.Event{Type: events.ContainerLaunched})
	c.Handle(events.Event{Type: events.ContainerKill})
	c.Handle(events.Event{Type: events.ContainerExited, Payload: events.ContainerExitedPayload{ExitCode: 137}})

	effects := c.Handle(events.Event{Type: events.ContainerCleanupDone})

	assert.Equal(t, types.ContainerDone, c.State())
	assert.Equal(t, []Effect{{Kind: EffectReportFinished}}, effects)
}

func TestCleanupDoneFromKillingReachesDone(t *testing.T) {
	c := New(testID(), "alice", events.LaunchContext{Command: []string{"x"}})
	c.Handle(events.Event{Type: events.ContainerInit})
	c.Handle(events.Event{Type: events.ContainerLaunched})
	c.Handle(events.Event{Type: events.ContainerKill})

	effects := c.Handle(events.Event{Type: events.ContainerCleanupDone})

	assert.Equal(t, types.ContainerDone, c.State())
	assert.Equal(t, []Effect{{Kind: EffectReportFinished}}, effects)
}

func TestCleanupDoneFromExitedSuccessReachesDone(t *testing.T) {
	c := New(testID(), "alice", events.LaunchContext{Command: []string{"x"}})
	c.Handle(events.Event{Type: events.ContainerInit})
	c.Handle(events.Event{Type: events.ContainerLaunched})
	c.Handle(events.Event{Type: events.ContainerExited, Payload: events.ContainerExitedPayload{ExitCode: 0}})

	effects := c.Handle(events.Event{Type: events.ContainerCleanupDone})

	assert.Equal(t, types.ContainerDone, c.State())
	assert.Equal(t, []Effect{{Kind: EffectReportFinished}}, effects)
}

func TestEventsAfterDoneAreDropped(t *testing.T) {
	c := New(testID(), "alice", events.LaunchContext{Command: []string{"x"}})
	c.Handle(events.Event{Type: events.ContainerInit})
	c.Handle(events.Event{Type: events.ContainerLaunched})
	c.Handle(events.Event{Type: events.ContainerExited, Payload: events.ContainerExitedPayload{ExitCode: 0}})
	c.Handle(events.Event{Type: events.ContainerCleanupDone})

	effects := c.Handle(events.Event{Type: events.ContainerKill})

	assert.Nil(t, effects)
	assert.Equal(t, types.ContainerDone, c.State())
}

func TestSecondKillWhileAlreadyKillingIsNoOp(t *testing.T) {
	c := New(testID(), "alice", events.LaunchContext{Command: []string{"x"}})
	c.Handle(events.Event{Type: events.ContainerInit})
	c.Handle(events.Event{Type: events.ContainerLaunched})
	c.Handle(events.Event{Type: events.ContainerKill})

	effects := c.Handle(events.Event{Type: events.ContainerKill})

	assert.Empty(t, effects)
	assert.Equal(t, types.ContainerKilling, c.State())
}
