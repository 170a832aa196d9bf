package launcher

import (
	"context"
	"fmt"
	"strings"

	dockertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/clusterfabric/nodeagent/internal/types"
)

// DockerLauncher runs containers through the Docker Engine API, grounded
// on pkg/commands/docker.go's *client.Client usage in the teacher.
type DockerLauncher struct {
	cli *client.Client
	log *logrus.Entry
}

// NewDockerLauncher builds a launcher against the local Docker daemon.
func NewDockerLauncher(log *logrus.Entry) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, types.Wrap(types.KindLaunchFailure, err, "connect to docker daemon")
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		return nil, types.Wrap(types.KindLaunchFailure, err, "connect to docker daemon")
	}
	return &DockerLauncher{cli: cli, log: log}, nil
}

func dockerName(id types.ContainerId) string {
	return "nm-" + strings.ReplaceAll(id.String(), "/", "-")
}

func (l *DockerLauncher) Launch(ctx context.Context, id types.ContainerId, command []string, env map[string]string, resources map[string]string) (<-chan Exit, error) {
	envList := make([]string, 0, len(env)+len(resources))
	for k, v := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", k, v))
	}
	for key, path := range resources {
		envList = append(envList, fmt.Sprintf("NM_RESOURCE_%s=%s", key, path))
	}

	resp, err := l.cli.ContainerCreate(ctx, &dockertypes.Config{
		Cmd: command,
		Env: envList,
	}, nil, nil, nil, dockerName(id))
	if err != nil {
		return nil, types.Wrap(types.KindLaunchFailure, err, "create container %s", id)
	}

	if err := l.cli.ContainerStart(ctx, resp.ID, dockertypes.StartOptions{}); err != nil {
		return nil, types.Wrap(types.KindLaunchFailure, err, "start container %s", id)
	}

	out := make(chan Exit, 1)
	go l.awaitExit(id, resp.ID, out)
	return out, nil
}

func (l *DockerLauncher) awaitExit(id types.ContainerId, dockerID string, out chan<- Exit) {
	statusCh, errCh := l.cli.ContainerWait(context.Background(), dockerID, dockertypes.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		out <- Exit{Container: id, Err: types.Wrap(types.KindRuntimeCrash, err, "wait for container %s", id)}
	case status := <-statusCh:
		out <- Exit{Container: id, Code: int32(status.StatusCode)}
	}
}

func (l *DockerLauncher) Stop(ctx context.Context, id types.ContainerId) error {
	if err := l.cli.ContainerKill(ctx, dockerName(id), "SIGTERM"); err != nil {
		return types.Wrap(types.KindLaunchFailure, err, "stop container %s", id)
	}
	return nil
}

func (l *DockerLauncher) Kill(ctx context.Context, id types.ContainerId) error {
	if err := l.cli.ContainerKill(ctx, dockerName(id), "SIGKILL"); err != nil {
		return types.Wrap(types.KindLaunchFailure, err, "kill container %s", id)
	}
	return nil
}
