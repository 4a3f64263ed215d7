package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"github.com/isdmx/databox/config"
)

// ProcessBoundary runs the runner as a plain child process (for development
// only). Isolation is limited to a clean environment, a private scratch
// directory, a process group and the runner's own rlimits.
type ProcessBoundary struct {
	logger     *zap.Logger
	runnerPath string
	env        map[string]string
	uid, gid   int
}

// NewProcessBoundary creates a ProcessBoundary from the sandbox configuration
func NewProcessBoundary(logger *zap.Logger, cfg *config.SandboxConfig) *ProcessBoundary {
	return &ProcessBoundary{
		logger:     logger,
		runnerPath: cfg.RunnerPath,
		env:        cfg.Env,
		uid:        cfg.RunAsUID,
		gid:        cfg.RunAsGID,
	}
}

// Name returns the boundary name
func (*ProcessBoundary) Name() string { return config.BoundaryProcess }

// Command builds the runner command (WARNING: This is not secure and should only be used for development)
func (p *ProcessBoundary) Command(spec LaunchSpec) (*exec.Cmd, error) {
	cmd := exec.Command(p.runnerPath) //nolint:gosec // Runner path comes from configuration
	cmd.Dir = spec.ScratchDir
	cmd.Env = runnerEnv(p.env, spec.ScratchDir)
	cmd.SysProcAttr = processAttrs(p.uid, p.gid)

	if cmd.SysProcAttr.Credential != nil {
		if err := os.Chown(spec.ScratchDir, p.uid, p.gid); err != nil {
			return nil, fmt.Errorf("failed to hand scratch dir to uid %d: %w", p.uid, err)
		}
	}
	return cmd, nil
}

// Signal signals the runner's process group
func (*ProcessBoundary) Signal(_ context.Context, cmd *exec.Cmd, _ LaunchSpec, sig syscall.Signal) error {
	return signalGroup(cmd, sig)
}

// ExitCodeSignals is false: the runner is our direct child.
func (*ProcessBoundary) ExitCodeSignals() bool { return false }
