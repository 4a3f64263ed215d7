package sandbox

import (
	"time"

	"github.com/isdmx/databox/artifact"
)

// Outcome is how an execution ended. It is one of Completed,
// RuntimeFailure, TimedOut, ResourceExceeded or Killed.
type Outcome interface {
	// State is the terminal state name used in logs and metrics.
	State() string
	outcome()
}

// Terminal execution states.
const (
	StateCompleted        = "completed"
	StateRuntimeFailure   = "runtime_failure"
	StateTimedOut         = "timed_out"
	StateResourceExceeded = "resource_exceeded"
	StateKilled           = "killed"
)

// Completed means the submission ran to the end.
type Completed struct {
	Stdout        string
	Truncated     bool
	ReturnSummary string
	Artifacts     []artifact.Descriptor
}

// RuntimeFailure means the submission raised an error, or the runner ended
// in a way that is not a resource or signal event.
type RuntimeFailure struct {
	ExceptionType string
	Message       string
	Stdout        string
	Truncated     bool
}

// TimedOut means the wall-clock limit fired.
type TimedOut struct {
	Elapsed time.Duration
}

// ResourceExceeded means a memory or CPU ceiling was reached. Kind is
// wire.ResourceMemory or wire.ResourceCPU.
type ResourceExceeded struct {
	Kind string
}

// Killed means the runner died from a signal nobody in this process sent
// for a limit.
type Killed struct {
	Signal string
}

func (Completed) State() string        { return StateCompleted }
func (RuntimeFailure) State() string   { return StateRuntimeFailure }
func (TimedOut) State() string         { return StateTimedOut }
func (ResourceExceeded) State() string { return StateResourceExceeded }
func (Killed) State() string           { return StateKilled }

func (Completed) outcome()        {}
func (RuntimeFailure) outcome()   {}
func (TimedOut) outcome()         {}
func (ResourceExceeded) outcome() {}
func (Killed) outcome()           {}
