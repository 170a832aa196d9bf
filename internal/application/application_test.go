package application

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clusterfabric/nodeagent/internal/events"
	"github.com/clusterfabric/nodeagent/internal/types"
)

func testAppID() types.ApplicationId {
	return types.ApplicationId{ClusterTimestamp: 1, ID: 1}
}

func testContainerID(seq uint32) types.ContainerId {
	return types.ContainerId{App: testAppID(), Sequence: seq}
}

func TestFirstInitContainerBootstrapsApplication(t *testing.T) {
	a := New(testAppID())
	c1 := testContainerID(1)

	effects := a.Handle(events.Event{Type: events.ApplicationInitContainer, Payload: events.ApplicationInitContainerPayload{
		Container: c1, User: "alice",
	}})

	assert.Equal(t, types.ApplicationIniting, a.State())
	assert.Equal(t, []Effect{{Kind: EffectInitContainer, Container: c1, User: "alice"}}, effects)
}

func TestSecondInitContainerWhileInitingAlsoInits(t *testing.T) {
	a := New(testAppID())
	c1, c2 := testContainerID(1), testContainerID(2)
	a.Handle(events.Event{Type: events.ApplicationInitContainer, Payload: events.ApplicationInitContainerPayload{Container: c1, User: "alice"}})

	effects := a.Handle(events.Event{Type: events.ApplicationInitContainer, Payload: events.ApplicationInitContainerPayload{Container: c2, User: "alice"}})

	assert.Equal(t, []Effect{{Kind: EffectInitContainer, Container: c2, User: "alice"}}, effects)
	assert.ElementsMatch(t, []types.ContainerId{c1, c2}, a.Status().Containers)
}

func TestDuplicateInitContainerIsIdempotent(t *testing.T) {
	a := New(testAppID())
	c1 := testContainerID(1)
	a.Handle(events.Event{Type: events.ApplicationInitContainer, Payload: events.ApplicationInitContainerPayload{Container: c1, User: "alice"}})

	effects := a.Handle(events.Event{Type: events.ApplicationInitContainer, Payload: events.ApplicationInitContainerPayload{Container: c1, User: "alice"}})

	assert.Empty(t, effects)
}

func TestInitedMovesToRunning(t *testing.T) {
	a := New(testAppID())
	c1 := testContainerID(1)
	a.Handle(events.Event{Type: events.ApplicationInitContainer, Payload: events.ApplicationInitContainerPayload{Container: c1, User: "alice"}})

	a.Handle(events.Event{Type: events.ApplicationInited})

	assert.Equal(t, types.ApplicationRunning, a.State())
}

func TestInitContainerWhileRunningInitsImmediately(t *testing.T) {
	a := New(testAppID())
	c1, c2 := testContainerID(1), testContainerID(2)
	a.Handle(events.Event{Type: events.ApplicationInitContainer, Payload: events.ApplicationInitContainerPayload{Container: c1, User: "alice"}})
	a.Handle(events.Event{Type: events.ApplicationInited})

	effects := a.Handle(events.Event{Type: events.ApplicationInitContainer, Payload: events.ApplicationInitContainerPayload{Container: c2, User: "alice"}})

	assert.Equal(t, []Effect{{Kind: EffectInitContainer, Container: c2, User: "alice"}}, effects)
}

func TestFinishApplicationWaitsForAllContainersDone(t *testing.T) {
	a := New(testAppID())
	c1, c2 := testContainerID(1), testContainerID(2)
	a.Handle(events.Event{Type: events.ApplicationInitContainer, Payload: events.ApplicationInitContainerPayload{Container: c1, User: "alice"}})
	a.Handle(events.Event{Type: events.ApplicationInitContainer, Payload: events.ApplicationInitContainerPayload{Container: c2, User: "alice"}})
	a.Handle(events.Event{Type: events.ApplicationInited})

	effects := a.Handle(events.Event{Type: events.ApplicationFinish})
	assert.ElementsMatch(t, []Effect{
		{Kind: EffectKillContainer, Container: c1},
		{Kind: EffectKillContainer, Container: c2},
	}, effects)
	assert.Equal(t, types.ApplicationFinishingContainers, a.State())

	effects = a.Handle(events.Event{Type: events.ApplicationContainerFinished, Payload: events.ApplicationContainerFinishedPayload{Container: c1}})
	assert.Empty(t, effects)
	assert.Equal(t, types.ApplicationFinishingContainers, a.State())

	effects = a.Handle(events.Event{Type: events.ApplicationContainerFinished, Payload: events.ApplicationContainerFinishedPayload{Container: c2}})
	assert.Equal(t, []Effect{{Kind: EffectReleaseAppResources}}, effects)
	assert.Equal(t, types.ApplicationFinishingApp, a.State())
}

func TestContainersFinishingBeforeFinishRequestWaits(t *testing.T) {
	a := New(testAppID())
	c1 := testContainerID(1)
	a.Handle(events.Event{Type: events.ApplicationInitContainer, Payload: events.ApplicationInitContainerPayload{Container: c1, User: "alice"}})
	a.Handle(events.Event{Type: events.ApplicationInited})

	effects := a.Handle(events.Event{Type: events.ApplicationContainerFinished, Payload: events.ApplicationContainerFinishedPayload{Container: c1}})
	assert.Empty(t, effects)
	assert.Equal(t, types.ApplicationRunning, a.State())

	effects = a.Handle(events.Event{Type: events.ApplicationFinish})
	assert.Equal(t, []Effect{{Kind: EffectReleaseAppResources}}, effects)
	assert.Equal(t, types.ApplicationFinishingApp, a.State())
}

func TestResourcesCleanedReachesDoneAndClearsContainers(t *testing.T) {
	a := New(testAppID())
	c1 := testContainerID(1)
	a.Handle(events.Event{Type: events.ApplicationInitContainer, Payload: events.ApplicationInitContainerPayload{Container: c1, User: "alice"}})
	a.Handle(events.Event{Type: events.ApplicationInited})
	a.Handle(events.Event{Type: events.ApplicationContainerFinished, Payload: events.ApplicationContainerFinishedPayload{Container: c1}})
	a.Handle(events.Event{Type: events.ApplicationFinish})

	effects := a.Handle(events.Event{Type: events.ApplicationResourcesCleaned})

	assert.Equal(t, types.ApplicationDone, a.State())
	assert.Equal(t, []Effect{{Kind: EffectReportDone}}, effects)
	assert.Empty(t, a.Status().Containers)
}

func TestEventsAfterDoneAreDropped(t *testing.T) {
	a := New(testAppID())
	c1 := testContainerID(1)
	a.Handle(events.Event{Type: events.ApplicationInitContainer, Payload: events.ApplicationInitContainerPayload{Container: c1, User: "alice"}})
	a.Handle(events.Event{Type: events.ApplicationInited})
	a.Handle(events.Event{Type: events.ApplicationContainerFinished, Payload: events.ApplicationContainerFinishedPayload{Container: c1}})
	a.Handle(events.Event{Type: events.ApplicationFinish})
	a.Handle(events.Event{Type: events.ApplicationResourcesCleaned})

	effects := a.Handle(events.Event{Type: events.ApplicationFinish})

	assert.Nil(t, effects)
	assert.Equal(t, types.ApplicationDone, a.State())
}
