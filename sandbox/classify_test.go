package sandbox

import (
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/isdmx/databox/artifact"
	"github.com/isdmx/databox/wire"
)

func TestClassify(t *testing.T) {
	limits := ResourceLimits{
		Timeout:     5 * time.Second,
		MemoryBytes: 100 * BytesPerMB,
		CPUSeconds:  6,
	}
	artifacts := []artifact.Descriptor{{Kind: "json", Name: "a.json", Locator: "out/a.json"}}

	tests := []struct {
		name     string
		info     exitInfo
		expected Outcome
	}{
		{
			name:     "TimeoutWinsOverResult",
			info:     exitInfo{TimedOut: true, Elapsed: 5 * time.Second, Result: &wire.Result{Status: wire.StatusCompleted}},
			expected: TimedOut{Elapsed: 5 * time.Second},
		},
		{
			name: "Completed",
			info: exitInfo{Result: &wire.Result{Status: wire.StatusCompleted, Stdout: "hi\n", ReturnSummary: "42"}},
			expected: Completed{
				Stdout:        "hi\n",
				ReturnSummary: "42",
				Artifacts:     artifacts,
			},
		},
		{
			name: "RuntimeFailureFromResult",
			info: exitInfo{
				ExitCode: wire.ExitRuntimeFailure,
				Result: &wire.Result{
					Status:        wire.StatusRuntimeFailure,
					ExceptionType: "EvalError",
					Message:       "division by zero",
					Stdout:        "before\n",
				},
			},
			expected: RuntimeFailure{ExceptionType: "EvalError", Message: "division by zero", Stdout: "before\n"},
		},
		{
			name:     "ResourceExceededFromResult",
			info:     exitInfo{ExitCode: wire.ExitMemory, Result: &wire.Result{Status: wire.StatusResourceExceeded, Resource: wire.ResourceMemory}},
			expected: ResourceExceeded{Kind: wire.ResourceMemory},
		},
		{
			name:     "UnknownStatus",
			info:     exitInfo{Result: &wire.Result{Status: "weird"}},
			expected: RuntimeFailure{ExceptionType: RunnerErrorType, Message: `runner reported unknown status "weird"`},
		},
		{
			name:     "Cancelled",
			info:     exitInfo{Cancelled: true, Signal: syscall.SIGKILL},
			expected: Killed{Signal: "SIGKILL"},
		},
		{
			name:     "ProtocolError",
			info:     exitInfo{ProtocolErr: errors.New("bad frame")},
			expected: RuntimeFailure{ExceptionType: RunnerErrorType, Message: "bad frame"},
		},
		{
			name:     "MemoryExitCode",
			info:     exitInfo{ExitCode: wire.ExitMemory},
			expected: ResourceExceeded{Kind: wire.ResourceMemory},
		},
		{
			name:     "CPUExitCode",
			info:     exitInfo{ExitCode: wire.ExitCPU},
			expected: ResourceExceeded{Kind: wire.ResourceCPU},
		},
		{
			name:     "OutOfMemoryOnStderr",
			info:     exitInfo{ExitCode: 2, Stderr: "fatal error: runtime: out of memory"},
			expected: ResourceExceeded{Kind: wire.ResourceMemory},
		},
		{
			name:     "SIGXCPU",
			info:     exitInfo{ExitCode: -1, Signal: syscall.SIGXCPU},
			expected: ResourceExceeded{Kind: wire.ResourceCPU},
		},
		{
			name:     "SIGKILLAfterCPULimit",
			info:     exitInfo{ExitCode: -1, Signal: syscall.SIGKILL, CPUTime: 7 * time.Second},
			expected: ResourceExceeded{Kind: wire.ResourceCPU},
		},
		{
			name:     "SIGKILLNearMemoryLimit",
			info:     exitInfo{ExitCode: -1, Signal: syscall.SIGKILL, MaxRSS: 95 * BytesPerMB},
			expected: ResourceExceeded{Kind: wire.ResourceMemory},
		},
		{
			name:     "ContainerOOMKilled",
			info:     exitInfo{ExitCode: 137, Signal: syscall.SIGKILL, MaxRSS: 30 * BytesPerMB, OOMKilled: true},
			expected: ResourceExceeded{Kind: wire.ResourceMemory},
		},
		{
			name:     "SIGKILL",
			info:     exitInfo{ExitCode: -1, Signal: syscall.SIGKILL, MaxRSS: 10 * BytesPerMB},
			expected: Killed{Signal: "SIGKILL"},
		},
		{
			name:     "OtherSignal",
			info:     exitInfo{ExitCode: -1, Signal: syscall.SIGSEGV},
			expected: Killed{Signal: "SIGSEGV"},
		},
		{
			name:     "ExitWithoutResult",
			info:     exitInfo{ExitCode: wire.ExitSetup},
			expected: RuntimeFailure{ExceptionType: RunnerErrorType, Message: "runner exited with status 5 before reporting a result"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, classify(tt.info, limits, artifacts))
		})
	}
}

func TestClassifyFailureDropsArtifacts(t *testing.T) {
	artifacts := []artifact.Descriptor{{Kind: "text", Name: "a.txt", Locator: "out/a.txt"}}
	info := exitInfo{Result: &wire.Result{Status: wire.StatusRuntimeFailure, ExceptionType: "EvalError"}}

	outcome := classify(info, ResourceLimits{}, artifacts)

	_, ok := outcome.(RuntimeFailure)
	assert.True(t, ok)
}

func TestFillStateNil(t *testing.T) {
	var info exitInfo
	info.fillState(nil, false)
	assert.Equal(t, -1, info.ExitCode)
}
