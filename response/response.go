// Package response turns execution outcomes and validation verdicts into
// the structured record returned to the calling agent.
package response

import (
	"fmt"
	"strings"
	"time"

	"github.com/isdmx/databox/artifact"
	"github.com/isdmx/databox/sandbox"
	"github.com/isdmx/databox/validator"
	"github.com/isdmx/databox/wire"
)

// ErrorKind classifies a failed submission.
type ErrorKind string

// Error kinds reported to the agent.
const (
	KindValidationRejected ErrorKind = "validation_rejected"
	KindSyntaxInvalid      ErrorKind = "syntax_invalid"
	KindRuntimeFailure     ErrorKind = "runtime_failure"
	KindTimedOut           ErrorKind = "timed_out"
	KindResourceExceeded   ErrorKind = "resource_exceeded"
	KindKilledExternally   ErrorKind = "killed_externally"
	KindInternal           ErrorKind = "internal_error"
)

// maxMessageBytes bounds Error.Message.
const maxMessageBytes = 2048

// Error is set on every response with OK false.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// ExceptionType is the error type raised by submitted code, for
	// runtime failures only.
	ExceptionType string `json:"exception_type,omitempty"`
}

// Response is what one submission produces for the agent.
type Response struct {
	ExecutionID string                `json:"execution_id,omitempty"`
	OK          bool                  `json:"ok"`
	Summary     string                `json:"summary"`
	Artifacts   []artifact.Descriptor `json:"artifacts"`
	Error       *Error                `json:"error,omitempty"`
	// Output is captured stdout, present whenever the code ran.
	Output          string                `json:"output,omitempty"`
	OutputTruncated bool                  `json:"output_truncated,omitempty"`
	Result          string                `json:"result,omitempty"`
	Violations      []validator.Violation `json:"violations,omitempty"`
}

// Assemble maps an Outcome to its Response. Artifacts are only reported
// for Completed.
func Assemble(outcome sandbox.Outcome) Response {
	switch o := outcome.(type) {
	case sandbox.Completed:
		artifacts := o.Artifacts
		if artifacts == nil {
			artifacts = []artifact.Descriptor{}
		}
		return Response{
			OK:              true,
			Summary:         completedSummary(len(artifacts)),
			Artifacts:       artifacts,
			Output:          o.Stdout,
			OutputTruncated: o.Truncated,
			Result:          o.ReturnSummary,
		}

	case sandbox.RuntimeFailure:
		r := failed(KindRuntimeFailure, "Execution failed with "+o.ExceptionType, o.Message)
		r.Error.ExceptionType = o.ExceptionType
		r.Output = o.Stdout
		r.OutputTruncated = o.Truncated
		return r

	case sandbox.TimedOut:
		elapsed := o.Elapsed.Round(100 * time.Millisecond)
		return failed(KindTimedOut, "Execution timed out",
			fmt.Sprintf("execution exceeded the time limit and was stopped after %s", elapsed))

	case sandbox.ResourceExceeded:
		return failed(KindResourceExceeded, "Execution exceeded its "+o.Kind+" limit", resourceMessage(o.Kind))

	case sandbox.Killed:
		return failed(KindKilledExternally, "Execution was killed",
			fmt.Sprintf("the execution process was terminated by %s", o.Signal))

	default:
		return Internal(fmt.Errorf("unknown outcome %T", outcome))
	}
}

// Rejected maps a rejected verdict. A verdict whose only violation is a
// syntax error is reported as syntax_invalid.
func Rejected(v validator.Verdict) Response {
	kind := KindValidationRejected
	summary := "Code rejected by validation"
	if len(v.Violations) == 1 && v.Violations[0].Rule == validator.RuleSyntax {
		kind = KindSyntaxInvalid
		summary = "Code could not be parsed"
	}

	messages := make([]string, 0, len(v.Violations))
	for _, violation := range v.Violations {
		messages = append(messages, fmt.Sprintf("line %d: %s", violation.Line, violation.Message))
	}

	r := failed(kind, summary, strings.Join(messages, "; "))
	r.Violations = v.Violations
	return r
}

// Internal maps an infrastructure failure that prevented execution.
func Internal(err error) Response {
	return failed(KindInternal, "Execution could not be started", err.Error())
}

func failed(kind ErrorKind, summary, message string) Response {
	return Response{
		Summary:   summary,
		Artifacts: []artifact.Descriptor{},
		Error:     &Error{Kind: kind, Message: bound(message)},
	}
}

func completedSummary(artifacts int) string {
	switch artifacts {
	case 0:
		return "Execution completed"
	case 1:
		return "Execution completed with 1 artifact"
	default:
		return fmt.Sprintf("Execution completed with %d artifacts", artifacts)
	}
}

func resourceMessage(kind string) string {
	switch kind {
	case wire.ResourceMemory:
		return "execution exceeded the memory limit"
	case wire.ResourceCPU:
		return "execution exceeded the CPU time limit"
	default:
		return fmt.Sprintf("execution exceeded the %s limit", kind)
	}
}

func bound(s string) string {
	if len(s) <= maxMessageBytes {
		return s
	}
	return strings.ToValidUTF8(s[:maxMessageBytes], "") + "..."
}
