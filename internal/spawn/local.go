package spawn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hivedev/hive/internal/common/logger"
)

const processHealthTimeout = 30 * time.Second

// processHandle tracks one launched child process.
type processHandle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu     sync.Mutex
	exited bool
}

func (h *processHandle) wait() {
	_ = h.cmd.Wait()
	h.mu.Lock()
	h.exited = true
	h.mu.Unlock()
	close(h.done)
}

func (h *processHandle) alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

// LocalBackend launches agents as unsandboxed child processes.
type LocalBackend struct {
	logger *logger.Logger
}

// NewLocalBackend creates the local process backend.
func NewLocalBackend(log *logger.Logger) *LocalBackend {
	return &LocalBackend{
		logger: log.WithFields(zap.String("component", "local-backend")),
	}
}

func (b *LocalBackend) name() string { return "local" }

func (b *LocalBackend) healthTimeout() time.Duration { return processHealthTimeout }

func (b *LocalBackend) localPort(h handle) int { return 0 }

func (b *LocalBackend) launch(ctx context.Context, spec *launchSpec) (handle, error) {
	return b.start(spec, spec.Command)
}

// start runs command with the agent workspace as working directory. The
// environment inherits the parent's plus the config file location. The
// process is deliberately not tied to ctx; it outlives the spawn call.
func (b *LocalBackend) start(spec *launchSpec, command []string) (handle, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty launch command for agent %s", spec.Agent.ID)
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = spec.Workspace
	cmd.Env = append(os.Environ(), "HIVE_AGENT_CONFIG="+spec.ConfigPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}
	spec.Agent.PID = cmd.Process.Pid

	h := &processHandle{cmd: cmd, done: make(chan struct{})}
	go h.wait()

	b.logger.Info("agent process started",
		zap.String("agent_id", spec.Agent.ID),
		zap.Int("pid", cmd.Process.Pid))
	return h, nil
}

func (b *LocalBackend) stop(ctx context.Context, h handle) error {
	ph, ok := h.(*processHandle)
	if !ok || ph.cmd.Process == nil {
		return nil
	}
	if !ph.alive() {
		return nil
	}

	// SIGTERM first, SIGKILL after a grace period.
	if err := ph.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return nil
	}
	select {
	case <-ph.done:
	case <-time.After(5 * time.Second):
		_ = ph.cmd.Process.Kill()
		<-ph.done
	case <-ctx.Done():
		_ = ph.cmd.Process.Kill()
	}
	return nil
}

func (b *LocalBackend) running(h handle) bool {
	ph, ok := h.(*processHandle)
	if !ok {
		return false
	}
	return ph.alive()
}
