package launcher

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/jesseduffield/kill"
	"github.com/sirupsen/logrus"

	"github.com/clusterfabric/nodeagent/internal/types"
)

// ExecLauncher runs a container's command as a plain local subprocess. It
// is a lightweight stand-in executor for environments without a container
// runtime daemon, grounded on pkg/commands/os.go's OSCommand: it prepares
// the child to be killed as a process group (so that, like
// `docker-compose logs`, a command that spawns its own children can still
// be reaped in one shot) and reuses the same jesseduffield/kill package
// the teacher uses for that.
type ExecLauncher struct {
	log *logrus.Entry

	mu    sync.Mutex
	procs map[types.ContainerId]*exec.Cmd
}

func NewExecLauncher(log *logrus.Entry) *ExecLauncher {
	return &ExecLauncher{log: log, procs: make(map[types.ContainerId]*exec.Cmd)}
}

func (l *ExecLauncher) Launch(ctx context.Context, id types.ContainerId, command []string, env map[string]string, resources map[string]string) (<-chan Exit, error) {
	if len(command) == 0 {
		return nil, types.NewError(types.KindLaunchFailure, "empty command for %s", id)
	}

	cmd := exec.Command(command[0], command[1:]...)
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	for key, path := range resources {
		cmd.Env = append(cmd.Env, fmt.Sprintf("NM_RESOURCE_%s=%s", key, path))
	}
	kill.PrepareForChildren(cmd)

	if err := cmd.Start(); err != nil {
		return nil, types.Wrap(types.KindLaunchFailure, err, "start %s", id)
	}

	l.mu.Lock()
	l.procs[id] = cmd
	l.mu.Unlock()

	out := make(chan Exit, 1)
	go l.awaitExit(id, cmd, out)
	return out, nil
}

func (l *ExecLauncher) awaitExit(id types.ContainerId, cmd *exec.Cmd, out chan<- Exit) {
	err := cmd.Wait()

	l.mu.Lock()
	delete(l.procs, id)
	l.mu.Unlock()

	if err == nil {
		out <- Exit{Container: id, Code: 0}
		return
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		out <- Exit{Container: id, Code: int32(exitErr.ExitCode())}
		return
	}
	out <- Exit{Container: id, Err: types.Wrap(types.KindRuntimeCrash, err, "wait for %s", id)}
}

func (l *ExecLauncher) Stop(ctx context.Context, id types.ContainerId) error {
	cmd := l.lookup(id)
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(exitSignal)
}

func (l *ExecLauncher) Kill(ctx context.Context, id types.ContainerId) error {
	cmd := l.lookup(id)
	if cmd == nil {
		return nil
	}
	if err := kill.Kill(cmd); err != nil {
		return types.Wrap(types.KindLaunchFailure, err, "kill %s", id)
	}
	return nil
}

func (l *ExecLauncher) lookup(id types.ContainerId) *exec.Cmd {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[id]
}
