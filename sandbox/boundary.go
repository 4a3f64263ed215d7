package sandbox

import (
	"context"
	"errors"
	"os/exec"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// LaunchSpec describes one runner process.
type LaunchSpec struct {
	ID         string
	ScratchDir string
	Limits     ResourceLimits
}

// Boundary starts the runner behind an isolation mechanism and delivers
// signals to it.
type Boundary interface {
	Name() string
	// Command returns an unstarted command whose stdin and stdout reach
	// the runner.
	Command(spec LaunchSpec) (*exec.Cmd, error)
	// Signal delivers sig to everything the command started.
	Signal(ctx context.Context, cmd *exec.Cmd, spec LaunchSpec, sig syscall.Signal) error
	// ExitCodeSignals reports whether a signal that killed the runner shows
	// up as exit code 128+n instead of a signaled wait status.
	ExitCodeSignals() bool
}

// Reaper is implemented by boundaries that keep state after the runner
// exits. Reap reports whether the kernel killed the runner for exceeding
// its memory cgroup, then releases that state.
type Reaper interface {
	Reap(ctx context.Context, spec LaunchSpec) (oomKilled bool)
}

const (
	runnerMountPath  = "/databox/runner"
	scratchMountPath = "/scratch"
	runnerPath       = "/usr/local/bin:/usr/bin:/bin"
)

// runnerEnv is the complete environment of a runner. Nothing is inherited
// from the server. Keys from configuration are uppercased because the
// config loader lowercases map keys.
func runnerEnv(extra map[string]string, home string) []string {
	env := []string{
		"PATH=" + runnerPath,
		"HOME=" + home,
		"TMPDIR=" + home,
		"LANG=C.UTF-8",
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, strings.ToUpper(k)+"="+extra[k])
	}
	return env
}

// signalGroup signals the process group led by cmd. A group that is
// already gone is not an error.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
