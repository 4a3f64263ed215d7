package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/databox/artifact"
	"github.com/isdmx/databox/config"
	"github.com/isdmx/databox/namespace"
	"github.com/isdmx/databox/response"
	"github.com/isdmx/databox/sandbox"
	"github.com/isdmx/databox/validator"
)

type fakeExecutor struct {
	mu       sync.Mutex
	requests []sandbox.ExecuteRequest
	outcome  sandbox.Outcome
	err      error
	panics   bool
}

func (f *fakeExecutor) Execute(_ context.Context, req sandbox.ExecuteRequest) (sandbox.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.panics {
		panic("executor exploded")
	}
	return f.outcome, f.err
}

func (f *fakeExecutor) spawns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type recordingObserver struct {
	mu          sync.Mutex
	submissions []string
	violations  []string
}

func (r *recordingObserver) RecordSubmission(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submissions = append(r.submissions, state)
}

func (r *recordingObserver) RecordViolation(rule string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations = append(r.violations, rule)
}

func (*recordingObserver) RecordExecution(string, time.Duration) {}
func (*recordingObserver) RecordHelperCall(string, error)        {}
func (*recordingObserver) SlotAcquired()                         {}
func (*recordingObserver) SlotReleased()                         {}

func testConfig() *config.Config {
	return &config.Config{Sandbox: config.SandboxConfig{MaxContextBytes: 1024}}
}

func newTestService(t *testing.T, exec *fakeExecutor) (*Service, *recordingObserver) {
	t.Helper()
	obs := &recordingObserver{}
	clock := func() time.Time { return time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC) }
	svc := NewService(zaptest.NewLogger(t), testConfig(), exec,
		WithObserver(obs),
		WithBuilder(namespace.NewBuilder(namespace.Default(), namespace.WithMaxContextBytes(1024), namespace.WithClock(clock))))
	return svc, obs
}

func TestRunCompleted(t *testing.T) {
	exec := &fakeExecutor{outcome: sandbox.Completed{
		Stdout:    "ok\n",
		Artifacts: []artifact.Descriptor{{Kind: "table", Name: "out.csv", Locator: "out/out.csv"}},
	}}
	svc, obs := newTestService(t, exec)

	resp := svc.Run(context.Background(), Submission{
		ID:         "exec-1",
		Source:     "df = fetch_data('sales.csv')\nupload_result('out.csv', df.describe())",
		Context:    map[string]string{namespace.InputLocationKey: "in", namespace.OutputLocationKey: "out"},
		Limits:     sandbox.Overrides{TimeoutSec: 5},
		Credential: "token",
	})

	assert.True(t, resp.OK)
	assert.Equal(t, "exec-1", resp.ExecutionID)
	require.Len(t, resp.Artifacts, 1)
	assert.Equal(t, "out.csv", resp.Artifacts[0].Name)

	require.Equal(t, 1, exec.spawns())
	req := exec.requests[0]
	assert.Equal(t, "exec-1", req.ID)
	assert.Equal(t, "token", req.Credential)
	assert.Equal(t, 5, req.Limits.TimeoutSec)
	assert.Equal(t, "in", req.Context.InputLocation())
	assert.Equal(t, "2026-03-04", req.Context.Today)
	assert.ElementsMatch(t, namespace.Default().Names(), req.Context.Capabilities)
	assert.Equal(t, []string{sandbox.StateCompleted}, obs.submissions)
}

func TestRunRejectedNeverSpawns(t *testing.T) {
	tests := []struct {
		name   string
		source string
		kind   response.ErrorKind
		rule   validator.Rule
	}{
		{"Import", "import os; os.system('ls')", response.KindValidationRejected, validator.RuleImport},
		{"UnknownName", "xyz.doSomething()", response.KindValidationRejected, validator.RuleUnknownName},
		{"Syntax", "x = (", response.KindSyntaxInvalid, validator.RuleSyntax},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{outcome: sandbox.Completed{}}
			svc, obs := newTestService(t, exec)

			resp := svc.Run(context.Background(), Submission{Source: tt.source})

			assert.False(t, resp.OK)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.kind, resp.Error.Kind)
			require.NotEmpty(t, resp.Violations)
			assert.Equal(t, tt.rule, resp.Violations[0].Rule)
			assert.Equal(t, 1, resp.Violations[0].Line)
			assert.Equal(t, 0, exec.spawns())
			assert.Equal(t, []string{StateRejected}, obs.submissions)
			assert.Contains(t, obs.violations, string(tt.rule))
		})
	}
}

func TestRunAssignsID(t *testing.T) {
	exec := &fakeExecutor{outcome: sandbox.Completed{}}
	svc, _ := newTestService(t, exec)

	first := svc.Run(context.Background(), Submission{Source: "1"})
	second := svc.Run(context.Background(), Submission{Source: "1"})

	assert.Len(t, first.ExecutionID, 36)
	assert.NotEqual(t, first.ExecutionID, second.ExecutionID)
	assert.Equal(t, first.ExecutionID, exec.requests[0].ID)
}

func TestRunOutcomes(t *testing.T) {
	tests := []struct {
		outcome sandbox.Outcome
		kind    response.ErrorKind
	}{
		{sandbox.RuntimeFailure{ExceptionType: "EvalError", Message: "boom"}, response.KindRuntimeFailure},
		{sandbox.TimedOut{Elapsed: 5 * time.Second}, response.KindTimedOut},
		{sandbox.ResourceExceeded{Kind: "memory"}, response.KindResourceExceeded},
		{sandbox.Killed{Signal: "SIGKILL"}, response.KindKilledExternally},
	}

	for _, tt := range tests {
		t.Run(tt.outcome.State(), func(t *testing.T) {
			exec := &fakeExecutor{outcome: tt.outcome}
			svc, obs := newTestService(t, exec)

			resp := svc.Run(context.Background(), Submission{Source: "x = 1"})

			assert.False(t, resp.OK)
			assert.Equal(t, tt.kind, resp.Error.Kind)
			assert.Empty(t, resp.Artifacts)
			assert.Equal(t, []string{tt.outcome.State()}, obs.submissions)
		})
	}
}

func TestRunExecutorError(t *testing.T) {
	exec := &fakeExecutor{err: fmt.Errorf("%w: context deadline exceeded", sandbox.ErrNoSlot)}
	svc, obs := newTestService(t, exec)

	resp := svc.Run(context.Background(), Submission{Source: "1"})

	assert.False(t, resp.OK)
	assert.Equal(t, response.KindInternal, resp.Error.Kind)
	assert.Contains(t, resp.Error.Message, "no execution slot available")
	assert.Equal(t, []string{StateInternal}, obs.submissions)
}

func TestRunContextTooLarge(t *testing.T) {
	exec := &fakeExecutor{outcome: sandbox.Completed{}}
	svc, _ := newTestService(t, exec)

	resp := svc.Run(context.Background(), Submission{
		Source:  "1",
		Context: map[string]string{"blob": strings.Repeat("x", 2048)},
	})

	assert.Equal(t, response.KindInternal, resp.Error.Kind)
	assert.Contains(t, resp.Error.Message, namespace.ErrContextTooLarge.Error())
	assert.Equal(t, 0, exec.spawns())
}

func TestValidate(t *testing.T) {
	svc, _ := newTestService(t, &fakeExecutor{})

	assert.True(t, svc.Validate(context.Background(), "x = [1, 2]\nlen(x)").Accepted)
	assert.False(t, svc.Validate(context.Background(), "eval('1')").Accepted)
}

func TestCapabilities(t *testing.T) {
	svc, _ := newTestService(t, &fakeExecutor{})

	names := make([]string, 0)
	for _, c := range svc.Capabilities() {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, namespace.Default().Names(), names)
}

func TestRunIsDeterministic(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("spawn failed")}
	svc, _ := newTestService(t, exec)
	sub := Submission{ID: "same", Source: "x = 1"}

	assert.Equal(t, svc.Run(context.Background(), sub), svc.Run(context.Background(), sub))
}

func TestRunWhileLoopReachesExecutor(t *testing.T) {
	exec := &fakeExecutor{outcome: sandbox.TimedOut{Elapsed: 2 * time.Second}}
	svc, obs := newTestService(t, exec)

	var resp response.Response
	require.NotPanics(t, func() {
		resp = svc.Run(context.Background(), Submission{Source: "while True: pass"})
	})

	assert.Equal(t, response.KindTimedOut, resp.Error.Kind)
	assert.Equal(t, 1, exec.spawns())
	assert.Equal(t, []string{sandbox.StateTimedOut}, obs.submissions)
}

func TestRunRecoversPanic(t *testing.T) {
	exec := &fakeExecutor{panics: true}
	svc, obs := newTestService(t, exec)

	var resp response.Response
	require.NotPanics(t, func() {
		resp = svc.Run(context.Background(), Submission{ID: "boom", Source: "x = 1"})
	})

	assert.False(t, resp.OK)
	assert.Equal(t, "boom", resp.ExecutionID)
	assert.Equal(t, response.KindInternal, resp.Error.Kind)
	assert.Contains(t, resp.Error.Message, "executor exploded")
	assert.Equal(t, []string{StateInternal}, obs.submissions)
}
