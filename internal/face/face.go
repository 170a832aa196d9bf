package face

import (
	"github.com/sirupsen/logrus"

	"github.com/clusterfabric/nodeagent/internal/application"
	"github.com/clusterfabric/nodeagent/internal/container"
	"github.com/clusterfabric/nodeagent/internal/events"
	"github.com/clusterfabric/nodeagent/internal/nodectx"
	"github.com/clusterfabric/nodeagent/internal/types"
)

// Face is the synchronous, four-method RPC surface (C7): it validates a
// request, mutates C6 just enough to make the request idempotent-safe,
// posts the events that drive the rest of the system, and returns —
// it never waits for a container or application to actually finish.
type Face struct {
	engine     *Engine
	dispatcher *events.Dispatcher
	ctx        *nodectx.Context
	log        *logrus.Entry
}

func NewFace(e *Engine, d *events.Dispatcher, ctx *nodectx.Context, log *logrus.Entry) *Face {
	return &Face{engine: e, dispatcher: d, ctx: ctx, log: log}
}

// StartContainer creates the container (and, if this is the first
// container seen for its application, the application) and posts
// APPLICATION_INIT_CONTAINER. A container id that already exists is a
// ValidationError (S6): the duplicate is rejected before any event is
// posted, so Context still holds exactly one record and no spurious
// events are ever produced for the repeat.
func (f *Face) StartContainer(id types.ContainerId, user string, launchCtx events.LaunchContext) error {
	f.ctx.GetOrCreateApplication(id.App, func() nodectx.ApplicationEntry {
		return application.New(id.App)
	})
	if _, created := f.ctx.GetOrCreateContainer(id, func() nodectx.ContainerEntry {
		return container.New(id, user, launchCtx)
	}); !created {
		return types.NewError(types.KindValidation, "container %s already exists", id)
	}
	f.engine.rememberApplication(id.App)

	f.dispatcher.Post(events.Event{
		Target: appRef(id.App),
		Type:   events.ApplicationInitContainer,
		Payload: events.ApplicationInitContainerPayload{
			Container: id,
			User:      user,
			LaunchCtx: launchCtx,
		},
	})
	return nil
}

// StopContainer posts KILL and returns immediately. An unknown id returns
// a benign empty response rather than ValidationError, matching the
// source's logged-and-ignored behavior (design notes §9 open question,
// resolved here in favor of (a)).
func (f *Face) StopContainer(id types.ContainerId) error {
	if _, ok := f.ctx.GetContainer(id); !ok {
		f.log.WithField("container", id).Warn("StopContainer for unknown container id; ignoring")
		return nil
	}
	f.engine.rememberContainer(id)
	f.dispatcher.Post(events.Event{Target: containerRef(id), Type: events.ContainerKill})
	return nil
}

// GetContainerStatus returns a consistent snapshot. Unknown id is an
// error.
func (f *Face) GetContainerStatus(id types.ContainerId) (container.Status, error) {
	v, ok := f.ctx.GetContainer(id)
	if !ok {
		return container.Status{}, types.NewError(types.KindValidation, "no such container %s", id)
	}
	return v.(*container.Container).Status(), nil
}

// CleanupContainer is a reserved no-op placeholder (design notes §9):
// the source leaves it empty and this keeps doing so until a concrete
// cleanup responsibility is assigned to it.
func (f *Face) CleanupContainer(id types.ContainerId) error {
	return nil
}

// FinishApps posts FINISH_APPLICATION to every named application
// (controller command, not RPC). Unknown ids are logged and skipped.
func (f *Face) FinishApps(appIDs []types.ApplicationId) {
	for _, id := range appIDs {
		if _, ok := f.ctx.GetApplication(id); !ok {
			f.log.WithField("application", id).Warn("FINISH_APPS for unknown application; ignoring")
			continue
		}
		f.engine.rememberApplication(id)
		f.dispatcher.Post(events.Event{Target: appRef(id), Type: events.ApplicationFinish})
	}
}

// FinishContainers posts a diagnostic followed by KILL to every named
// container (controller command).
func (f *Face) FinishContainers(containerIDs []types.ContainerId) {
	for _, id := range containerIDs {
		if _, ok := f.ctx.GetContainer(id); !ok {
			f.log.WithField("container", id).Warn("FINISH_CONTAINERS for unknown container; ignoring")
			continue
		}
		f.engine.rememberContainer(id)
		f.dispatcher.Post(events.Event{
			Target:  containerRef(id),
			Type:    events.ContainerDiagnosticUpdate,
			Payload: events.ContainerDiagnosticUpdatePayload{Text: "Killed by controller"},
		})
		f.dispatcher.Post(events.Event{Target: containerRef(id), Type: events.ContainerKill})
	}
}
