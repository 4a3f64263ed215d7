package wire

import "fmt"

// Kind names the payload carried by an Envelope.
type Kind string

// Frame kinds. Job flows parent to child once; Call and Reply alternate
// while helpers run; Result is the child's last frame.
const (
	KindJob    Kind = "job"
	KindCall   Kind = "call"
	KindReply  Kind = "reply"
	KindResult Kind = "result"
)

// Envelope is the unit written on the wire. Exactly one payload is set.
type Envelope struct {
	Kind   Kind    `cbor:"kind"`
	Job    *Job    `cbor:"job,omitempty"`
	Call   *Call   `cbor:"call,omitempty"`
	Reply  *Reply  `cbor:"reply,omitempty"`
	Result *Result `cbor:"result,omitempty"`
}

func (e *Envelope) check() error {
	var ok bool
	switch e.Kind {
	case KindJob:
		ok = e.Job != nil
	case KindCall:
		ok = e.Call != nil
	case KindReply:
		ok = e.Reply != nil
	case KindResult:
		ok = e.Result != nil
	default:
		return fmt.Errorf("unknown frame kind %q", e.Kind)
	}
	if !ok {
		return fmt.Errorf("%s frame without payload", e.Kind)
	}
	return nil
}

// Limits are the ceilings the runner applies to itself before user code.
type Limits struct {
	MemoryBytes    int64   `cbor:"memory_bytes"`
	CPUSeconds     int64   `cbor:"cpu_seconds"`
	CPUCores       float64 `cbor:"cpu_cores"`
	ScratchBytes   int64   `cbor:"scratch_bytes"`
	MaxOutputBytes int     `cbor:"max_output_bytes"`
}

// Job is the whole submission as the runner sees it.
type Job struct {
	ID             string            `cbor:"id"`
	Source         string            `cbor:"source"`
	Capabilities   []string          `cbor:"capabilities"`
	Values         map[string]string `cbor:"values"`
	Today          string            `cbor:"today"`
	Limits         Limits            `cbor:"limits"`
	RequireNonRoot bool              `cbor:"require_non_root"`
	LogLevel       string            `cbor:"log_level,omitempty"`
}

// Helper operations proxied to the parent.
const (
	OpFetch  = "fetch"
	OpUpload = "upload"
)

// Call asks the parent to perform a helper operation.
type Call struct {
	Op          string `cbor:"op"`
	Path        string `cbor:"path"`
	Kind        string `cbor:"kind,omitempty"`
	ContentType string `cbor:"content_type,omitempty"`
	Data        []byte `cbor:"data,omitempty"`
}

// Reply answers a Call. Error is set when the store could not serve it.
type Reply struct {
	Data    []byte `cbor:"data,omitempty"`
	Kind    string `cbor:"kind,omitempty"`
	Name    string `cbor:"name,omitempty"`
	Locator string `cbor:"locator,omitempty"`
	Error   string `cbor:"error,omitempty"`
}

// Status is the runner's view of how the execution ended.
type Status string

// Result statuses.
const (
	StatusCompleted        Status = "completed"
	StatusRuntimeFailure   Status = "runtime_failure"
	StatusResourceExceeded Status = "resource_exceeded"
)

// Resources named in a resource_exceeded result.
const (
	ResourceMemory = "memory"
	ResourceCPU    = "cpu"
)

// Result is the last frame the runner writes.
type Result struct {
	Status        Status `cbor:"status"`
	Stdout        string `cbor:"stdout"`
	Truncated     bool   `cbor:"truncated,omitempty"`
	ReturnSummary string `cbor:"return_summary,omitempty"`
	ExceptionType string `cbor:"exception_type,omitempty"`
	Message       string `cbor:"message,omitempty"`
	Resource      string `cbor:"resource,omitempty"`
}

// Runner exit codes. Codes other than these mean the runner did not reach
// a classified end.
const (
	ExitOK             = 0
	ExitRuntimeFailure = 1
	ExitProtocol       = 2
	ExitMemory         = 3
	ExitCPU            = 4
	ExitSetup          = 5
)
