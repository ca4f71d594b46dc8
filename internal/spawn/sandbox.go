package spawn

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hivedev/hive/internal/common/config"
	"github.com/hivedev/hive/internal/common/logger"
)

// SandboxBackend launches agents inside a bwrap filesystem sandbox: read-only
// binds of the runtime and system directories, a private writable workspace,
// ephemeral /tmp, and fresh pid/ipc/uts namespaces. The network namespace is
// shared so agents can reach external inference APIs.
type SandboxBackend struct {
	local  *LocalBackend
	cfg    config.SandboxConfig
	logger *logger.Logger
}

// NewSandboxBackend creates the sandboxed process backend.
func NewSandboxBackend(cfg config.SandboxConfig, log *logger.Logger) *SandboxBackend {
	return &SandboxBackend{
		local:  NewLocalBackend(log),
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "sandbox-backend")),
	}
}

func (b *SandboxBackend) name() string { return "sandbox" }

func (b *SandboxBackend) healthTimeout() time.Duration { return processHealthTimeout }

func (b *SandboxBackend) localPort(h handle) int { return 0 }

func (b *SandboxBackend) launch(ctx context.Context, spec *launchSpec) (handle, error) {
	wrapped := append(b.wrapperArgs(spec), spec.Command...)
	b.logger.Debug("sandboxing agent command",
		zap.String("agent_id", spec.Agent.ID),
		zap.Strings("command", wrapped))
	return b.local.start(spec, wrapped)
}

// wrapperArgs builds the bwrap invocation for one agent workspace.
func (b *SandboxBackend) wrapperArgs(spec *launchSpec) []string {
	bwrap := b.cfg.BwrapPath
	if bwrap == "" {
		bwrap = "bwrap"
	}

	args := []string{bwrap, "--die-with-parent"}

	// System directories the runtime needs, read-only.
	for _, dir := range []string{"/usr", "/lib", "/lib64", "/bin", "/sbin", "/etc"} {
		if _, err := os.Stat(dir); err == nil {
			args = append(args, "--ro-bind", dir, dir)
		}
	}
	for _, dir := range b.cfg.ROBinds {
		args = append(args, "--ro-bind", dir, dir)
	}

	// The image directory holds the agent's code; the workspace is its only
	// writable area.
	if filepath.IsAbs(spec.Image.Path) {
		args = append(args, "--ro-bind", spec.Image.Path, spec.Image.Path)
	}
	args = append(args,
		"--bind", spec.Workspace, spec.Workspace,
		"--tmpfs", "/tmp",
		"--proc", "/proc",
		"--dev", "/dev",
		"--unshare-pid",
		"--unshare-ipc",
		"--unshare-uts",
		"--chdir", spec.Workspace,
	)
	return args
}

func (b *SandboxBackend) stop(ctx context.Context, h handle) error {
	return b.local.stop(ctx, h)
}

func (b *SandboxBackend) running(h handle) bool {
	return b.local.running(h)
}
