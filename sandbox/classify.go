package sandbox

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/isdmx/databox/artifact"
	"github.com/isdmx/databox/wire"
)

// RunnerErrorType is the exception type of failures that happened outside
// user code.
const RunnerErrorType = "RunnerError"

// exitInfo is everything known about an execution once the runner is gone.
type exitInfo struct {
	TimedOut    bool
	Cancelled   bool
	Elapsed     time.Duration
	Result      *wire.Result
	ProtocolErr error
	ExitCode    int
	Signal      syscall.Signal
	CPUTime     time.Duration
	MaxRSS      int64
	// OOMKilled is set when the boundary saw its memory cgroup kill the
	// runner.
	OOMKilled bool
	Stderr    string
}

// fillState copies wait status and resource usage from state.
func (info *exitInfo) fillState(state *os.ProcessState, exitCodeSignals bool) {
	if state == nil {
		info.ExitCode = -1
		return
	}
	info.ExitCode = state.ExitCode()
	info.CPUTime = state.UserTime() + state.SystemTime()

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		info.Signal = ws.Signal()
	} else if exitCodeSignals && info.ExitCode > 128 && info.ExitCode < 128+65 {
		info.Signal = syscall.Signal(info.ExitCode - 128)
	}

	if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		info.MaxRSS = int64(ru.Maxrss)
		if runtime.GOOS != "darwin" {
			info.MaxRSS *= 1024
		}
	}
}

// classify maps an ended execution to exactly one Outcome. The order of
// the checks is significant.
func classify(info exitInfo, limits ResourceLimits, artifacts []artifact.Descriptor) Outcome {
	switch {
	case info.TimedOut:
		return TimedOut{Elapsed: info.Elapsed}
	case info.Result != nil:
		return fromResult(info.Result, artifacts)
	case info.Cancelled:
		return Killed{Signal: unix.SignalName(syscall.SIGKILL)}
	case info.ProtocolErr != nil:
		return RuntimeFailure{ExceptionType: RunnerErrorType, Message: info.ProtocolErr.Error()}
	}

	switch info.ExitCode {
	case wire.ExitMemory:
		return ResourceExceeded{Kind: wire.ResourceMemory}
	case wire.ExitCPU:
		return ResourceExceeded{Kind: wire.ResourceCPU}
	}

	if info.OOMKilled || strings.Contains(info.Stderr, "out of memory") {
		return ResourceExceeded{Kind: wire.ResourceMemory}
	}

	switch info.Signal {
	case 0:
	case syscall.SIGXCPU:
		return ResourceExceeded{Kind: wire.ResourceCPU}
	case syscall.SIGKILL:
		if limits.CPUSeconds > 0 && info.CPUTime >= time.Duration(limits.CPUSeconds)*time.Second {
			return ResourceExceeded{Kind: wire.ResourceCPU}
		}
		if limits.MemoryBytes > 0 && info.MaxRSS >= limits.MemoryBytes/10*9 {
			return ResourceExceeded{Kind: wire.ResourceMemory}
		}
		return Killed{Signal: unix.SignalName(info.Signal)}
	default:
		return Killed{Signal: unix.SignalName(info.Signal)}
	}

	return RuntimeFailure{
		ExceptionType: RunnerErrorType,
		Message:       fmt.Sprintf("runner exited with status %d before reporting a result", info.ExitCode),
	}
}

func fromResult(res *wire.Result, artifacts []artifact.Descriptor) Outcome {
	switch res.Status {
	case wire.StatusCompleted:
		return Completed{
			Stdout:        res.Stdout,
			Truncated:     res.Truncated,
			ReturnSummary: res.ReturnSummary,
			Artifacts:     artifacts,
		}
	case wire.StatusResourceExceeded:
		return ResourceExceeded{Kind: res.Resource}
	case wire.StatusRuntimeFailure:
		return RuntimeFailure{
			ExceptionType: res.ExceptionType,
			Message:       res.Message,
			Stdout:        res.Stdout,
			Truncated:     res.Truncated,
		}
	default:
		return RuntimeFailure{
			ExceptionType: RunnerErrorType,
			Message:       fmt.Sprintf("runner reported unknown status %q", res.Status),
		}
	}
}
