package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/isdmx/databox/config"
)

// BwrapBoundary runs the runner under bubblewrap with every namespace
// unshared. The runner sees a read-only system, its own binary and a
// size-bounded tmpfs scratch directory, and has no network.
type BwrapBoundary struct {
	logger     *zap.Logger
	bwrapPath  string
	runnerPath string
	env        map[string]string
	uid, gid   int
}

// NewBwrapBoundary creates a BwrapBoundary from the sandbox configuration
func NewBwrapBoundary(logger *zap.Logger, cfg *config.SandboxConfig) *BwrapBoundary {
	return &BwrapBoundary{
		logger:     logger,
		bwrapPath:  cfg.BwrapPath,
		runnerPath: cfg.RunnerPath,
		env:        cfg.Env,
		uid:        cfg.RunAsUID,
		gid:        cfg.RunAsGID,
	}
}

// Name returns the boundary name
func (*BwrapBoundary) Name() string { return config.BoundaryBwrap }

// Command builds the bwrap command line around the runner
func (b *BwrapBoundary) Command(spec LaunchSpec) (*exec.Cmd, error) {
	runner, err := exec.LookPath(b.runnerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to locate runner %q: %w", b.runnerPath, err)
	}

	cmd := exec.Command(b.bwrapPath, b.args(runner, spec)...) //nolint:gosec // Arguments are built here, not taken from input
	cmd.Dir = spec.ScratchDir
	cmd.Env = []string{"PATH=" + runnerPath}
	cmd.SysProcAttr = processAttrs(-1, -1)
	return cmd, nil
}

func (b *BwrapBoundary) args(runner string, spec LaunchSpec) []string {
	args := []string{
		// Namespace isolation. --unshare-all includes the network.
		"--unshare-all",
		"--die-with-parent",
		"--new-session",

		"--ro-bind", "/usr", "/usr",
		"--ro-bind-try", "/bin", "/bin",
		"--ro-bind-try", "/lib", "/lib",
		"--ro-bind-try", "/lib64", "/lib64",
		"--ro-bind", runner, runnerMountPath,
		"--proc", "/proc",
		"--dev", "/dev",
	}

	if spec.Limits.ScratchBytes > 0 {
		args = append(args, "--size", strconv.FormatInt(spec.Limits.ScratchBytes, 10))
	}
	args = append(args, "--tmpfs", scratchMountPath, "--chdir", scratchMountPath)

	if b.uid >= 0 {
		args = append(args, "--uid", strconv.Itoa(b.uid), "--gid", strconv.Itoa(b.gid))
	}

	args = append(args, "--clearenv")
	for _, kv := range runnerEnv(b.env, scratchMountPath) {
		key, value, _ := strings.Cut(kv, "=")
		args = append(args, "--setenv", key, value)
	}

	return append(args, "--", runnerMountPath)
}

// Signal signals bwrap's process group; --die-with-parent takes the runner
// down with bwrap.
func (*BwrapBoundary) Signal(_ context.Context, cmd *exec.Cmd, _ LaunchSpec, sig syscall.Signal) error {
	return signalGroup(cmd, sig)
}

// ExitCodeSignals is true: bwrap reports a signaled child as 128+n.
func (*BwrapBoundary) ExitCodeSignals() bool { return true }
