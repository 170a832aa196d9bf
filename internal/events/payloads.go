package events

import "github.com/clusterfabric/nodeagent/internal/types"

// Event type tags. Each is routed to exactly one EntityKind's handler; a
// handler that receives a Type it does not recognize drops it rather than
// panicking. The resource coordinator logs a warning for it; the
// Application and Container FSMs drop it without logging, and none of them
// records it as an InternalInvariantViolation.
const (
	// LocalizedResource (C2) events.
	ResourceRequest   = "RESOURCE_REQUEST"
	ResourceLocalized = "RESOURCE_LOCALIZED"
	ResourceRelease   = "RESOURCE_RELEASE"

	// Container (C4) events.
	ContainerInit              = "CONTAINER_INIT"
	ContainerResourceLocalized = "CONTAINER_RESOURCE_LOCALIZED"
	ContainerResourceFailed    = "CONTAINER_RESOURCE_FAILED"
	ContainerLaunched          = "CONTAINER_LAUNCHED"
	ContainerExited            = "CONTAINER_EXITED"
	ContainerKill              = "CONTAINER_KILL"
	ContainerCleanupDone       = "CONTAINER_CLEANUP_DONE"
	ContainerDiagnosticUpdate  = "CONTAINER_DIAGNOSTIC_UPDATE"

	// Application (C5) events.
	ApplicationInitContainer     = "APPLICATION_INIT_CONTAINER"
	ApplicationInited            = "APPLICATION_INITED"
	ApplicationContainerFinished = "APPLICATION_CONTAINER_FINISHED"
	ApplicationFinish            = "APPLICATION_FINISH"
	ApplicationResourcesCleaned  = "APPLICATION_RESOURCES_CLEANED"
)

// ResourceRequestPayload describes a ResourceRequest. The localization
// coordinator posts ResourceRequest with its own payload type, which also
// carries the cache namespace, not with this one.
type ResourceRequestPayload struct {
	Container  types.ContainerId
	Visibility types.Visibility
}

// ResourceLocalizedPayload is carried by ResourceLocalized.
type ResourceLocalizedPayload struct {
	Key  types.LocalResourceRequest
	Path string
	Size int64
}

// ResourceReleasePayload is carried by ResourceRelease.
type ResourceReleasePayload struct {
	Container types.ContainerId
}

// ContainerInitPayload describes a ContainerInit. The engine posts
// ContainerInit without a payload, since the Container FSM already holds
// its LaunchContext from creation.
type ContainerInitPayload struct {
	LaunchCtx LaunchContext
}

// LaunchContext is the launch-time description of a container: the
// resources it requires and the command the external launcher should run.
type LaunchContext struct {
	User      string
	Resources []types.LocalResourceRequest
	Command   []string
	Env       map[string]string
}

// ContainerResourceLocalizedPayload is carried by ContainerResourceLocalized.
type ContainerResourceLocalizedPayload struct {
	Key  types.LocalResourceRequest
	Path string
}

// ContainerResourceFailedPayload is carried by ContainerResourceFailed.
type ContainerResourceFailedPayload struct {
	Key   types.LocalResourceRequest
	Cause error
}

// ContainerExitedPayload is carried by ContainerExited.
type ContainerExitedPayload struct {
	ExitCode int32
}

// ContainerDiagnosticUpdatePayload is carried by ContainerDiagnosticUpdate.
type ContainerDiagnosticUpdatePayload struct {
	Text string
}

// ApplicationInitContainerPayload is carried by ApplicationInitContainer,
// posted by C7 for every container of a StartContainer request.
type ApplicationInitContainerPayload struct {
	Container types.ContainerId
	User      string
	LaunchCtx LaunchContext
}

// ApplicationContainerFinishedPayload is carried by
// ApplicationContainerFinished.
type ApplicationContainerFinishedPayload struct {
	Container types.ContainerId
}
