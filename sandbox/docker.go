package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/databox/config"
)

const (
	containerPidsLimit = 64
	killTimeout        = 10 * time.Second
)

// ContainerBoundary runs the runner image with a container engine CLI.
// Docker and Podman accept the same flags.
type ContainerBoundary struct {
	logger    *zap.Logger
	engine    string
	image     string
	env       map[string]string
	uid, gid  int
	cmdRunner CommandRunner
}

// ContainerBoundaryOption defines a functional option for ContainerBoundary
type ContainerBoundaryOption func(*ContainerBoundary)

// WithCommandRunner sets the CommandRunner used to signal containers
func WithCommandRunner(cmdRunner CommandRunner) ContainerBoundaryOption {
	return func(c *ContainerBoundary) {
		c.cmdRunner = cmdRunner
	}
}

// NewDockerBoundary creates a ContainerBoundary that drives docker
func NewDockerBoundary(logger *zap.Logger, cfg *config.SandboxConfig, opts ...ContainerBoundaryOption) *ContainerBoundary {
	return newContainerBoundary(logger, config.BoundaryDocker, cfg, opts...)
}

func newContainerBoundary(logger *zap.Logger, engine string, cfg *config.SandboxConfig, opts ...ContainerBoundaryOption) *ContainerBoundary {
	c := &ContainerBoundary{
		logger:    logger,
		engine:    engine,
		image:     cfg.RunnerImage,
		env:       cfg.Env,
		uid:       cfg.RunAsUID,
		gid:       cfg.RunAsGID,
		cmdRunner: &RealCommandRunner{}, // Default implementation
	}

	// Apply options
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the engine name
func (c *ContainerBoundary) Name() string { return c.engine }

// Command builds the container run command with security restrictions
func (c *ContainerBoundary) Command(spec LaunchSpec) (*exec.Cmd, error) {
	cmd := exec.Command(c.engine, c.args(spec)...) //nolint:gosec // Arguments are built here, not taken from input
	cmd.Dir = spec.ScratchDir
	cmd.SysProcAttr = processAttrs(-1, -1)
	return cmd, nil
}

func (c *ContainerBoundary) args(spec LaunchSpec) []string {
	l := spec.Limits
	args := []string{
		"run",
		"--name", containerName(spec.ID),
		"-i", // Frames travel over stdin/stdout
		"--network", "none",
		"--read-only",
		"--tmpfs", fmt.Sprintf("%s:rw,nosuid,nodev,noexec,size=%d", scratchMountPath, l.ScratchBytes),
		"--workdir", scratchMountPath,
		"--memory", strconv.FormatInt(l.MemoryBytes, 10),
		"--memory-swap", strconv.FormatInt(l.MemoryBytes, 10),
		"--cpus", strconv.FormatFloat(l.CPUCores, 'f', -1, 64),
		"--pids-limit", strconv.Itoa(containerPidsLimit),
		"--ulimit", "core=0",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL", // Drop all capabilities
	}
	if c.uid >= 0 {
		args = append(args, "--user", fmt.Sprintf("%d:%d", c.uid, c.gid))
	}
	for _, kv := range runnerEnv(c.env, scratchMountPath) {
		args = append(args, "-e", kv)
	}
	return append(args, c.image)
}

// Signal asks the engine to signal the container. The engine client is
// signaled too so a container that never started does not leave the client
// waiting.
func (c *ContainerBoundary) Signal(ctx context.Context, cmd *exec.Cmd, spec LaunchSpec, sig syscall.Signal) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
	defer cancel()

	name := containerName(spec.ID)
	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, []string{c.engine, "kill", "--signal", strconv.Itoa(int(sig)), name})
	if err != nil || exitCode != 0 {
		c.logger.Warn("failed to signal container",
			zap.String("container", name),
			zap.Int("exit_code", exitCode),
			zap.String("stderr", stderr),
			zap.Error(err))
	}
	if sig == syscall.SIGKILL {
		return signalGroup(cmd, sig)
	}
	return nil
}

// Reap reads the container's OOM flag and removes it. The container is
// started without --rm so the flag survives the exit.
func (c *ContainerBoundary) Reap(ctx context.Context, spec LaunchSpec) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
	defer cancel()

	name := containerName(spec.ID)
	stdout, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, []string{c.engine, "inspect", "--format", "{{.State.OOMKilled}}", name})
	if err != nil || exitCode != 0 {
		c.logger.Warn("failed to inspect container",
			zap.String("container", name),
			zap.Int("exit_code", exitCode),
			zap.String("stderr", stderr),
			zap.Error(err))
	}
	oomKilled := err == nil && exitCode == 0 && strings.TrimSpace(stdout) == "true"

	_, stderr, exitCode, err = c.cmdRunner.RunCommand(ctx, []string{c.engine, "rm", "--force", name})
	if err != nil || exitCode != 0 {
		c.logger.Warn("failed to remove container",
			zap.String("container", name),
			zap.Int("exit_code", exitCode),
			zap.String("stderr", stderr),
			zap.Error(err))
	}
	return oomKilled
}

// ExitCodeSignals is true: the engine reports a killed container as 128+n.
func (*ContainerBoundary) ExitCodeSignals() bool { return true }

func containerName(id string) string {
	return "databox-" + id
}
