package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/isdmx/databox/namespace"
)

// ExecuteRequest represents the parameters for one execution
type ExecuteRequest struct {
	ID      string
	Code    string
	Context namespace.ExecutionContext
	Limits  Overrides
	// Credential replaces the configured artifact-store token for this
	// execution when set.
	Credential string
}

// SandboxExecutor defines the interface for sandbox execution. The error
// return is reserved for failures before the child exists; every execution
// that started ends in an Outcome.
type SandboxExecutor interface {
	Execute(ctx context.Context, req ExecuteRequest) (Outcome, error)
}

// ErrNoSlot is returned when the caller's context ends while waiting for a
// free execution slot.
var ErrNoSlot = errors.New("no execution slot available")

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// FileSystem defines the file system operations the executor needs for
// per-execution scratch directories
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission and size constants
const (
	DirPermission = 0o700
	BytesPerMB    = 1024 * 1024
)
