package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/isdmx/databox/artifact"
	"github.com/isdmx/databox/config"
	"github.com/isdmx/databox/metrics"
	"github.com/isdmx/databox/wire"
)

const stderrLimit = 64 * 1024

// Executor runs submissions in runner processes behind a Boundary. The
// number of live runners is bounded by sandbox.max_concurrent; further
// calls wait for a slot.
type Executor struct {
	logger   *zap.Logger
	cfg      *config.SandboxConfig
	logLevel string
	boundary Boundary
	store    *artifact.Client
	slots    *semaphore.Weighted
	fs       FileSystem
	observer metrics.Observer
	tracer   trace.Tracer
}

// ExecutorOption defines a functional option for Executor
type ExecutorOption func(*Executor)

// WithFileSystem sets the FileSystem used for scratch directories
func WithFileSystem(fs FileSystem) ExecutorOption {
	return func(e *Executor) {
		e.fs = fs
	}
}

// WithObserver sets the telemetry sink for slots, helper calls and outcomes
func WithObserver(o metrics.Observer) ExecutorOption {
	return func(e *Executor) {
		e.observer = o
	}
}

// NewExecutor creates an Executor with default implementations and optional interfaces
func NewExecutor(logger *zap.Logger, cfg *config.Config, boundary Boundary, store *artifact.Client, opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger:   logger,
		cfg:      &cfg.Sandbox,
		logLevel: cfg.Logging.Level,
		boundary: boundary,
		store:    store,
		slots:    semaphore.NewWeighted(int64(cfg.Sandbox.MaxConcurrent)),
		fs:       &RealFileSystem{}, // Default implementation
		observer: metrics.Nop(),
		tracer:   otel.Tracer("github.com/isdmx/databox/sandbox"),
	}

	// Apply options
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Execute runs one submission to an Outcome
//
//nolint:funlen // Linear lifecycle of one child process
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (Outcome, error) {
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSlot, err)
	}
	defer e.slots.Release(1)
	e.observer.SlotAcquired()
	defer e.observer.SlotReleased()

	ctx, span := e.tracer.Start(ctx, "sandbox.execute", trace.WithAttributes(
		attribute.String("databox.execution_id", req.ID),
		attribute.String("databox.boundary", e.boundary.Name()),
	))
	defer span.End()

	limits := ResolveLimits(e.cfg, req.Limits)
	logger := e.logger.With(zap.String("execution_id", req.ID), zap.String("boundary", e.boundary.Name()))

	if e.cfg.ScratchRoot != "" {
		if err := e.fs.MkdirAll(e.cfg.ScratchRoot, DirPermission); err != nil {
			return nil, fmt.Errorf("failed to create scratch root: %w", err)
		}
	}
	scratch, err := e.fs.MkdirTemp(e.cfg.ScratchRoot, "databox-exec-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer func() {
		if rmErr := e.fs.RemoveAll(scratch); rmErr != nil {
			logger.Error("failed to remove scratch directory", zap.String("path", scratch), zap.Error(rmErr))
		}
	}()

	spec := LaunchSpec{ID: req.ID, ScratchDir: scratch, Limits: limits}
	cmd, err := e.boundary.Command(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to build runner command: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open runner stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open runner stdout: %w", err)
	}
	stderr := &cappedBuffer{max: stderrLimit}
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start runner: %w", err)
	}
	logger.Debug("runner started", zap.Int("pid", cmd.Process.Pid), zap.Duration("timeout", limits.Timeout))

	execCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	var timedOut, cancelled atomic.Bool
	exited := make(chan struct{})
	var watch sync.WaitGroup
	watch.Add(1)
	go func() {
		defer watch.Done()
		select {
		case <-exited:
			return
		case <-execCtx.Done():
		}
		if ctx.Err() != nil {
			cancelled.Store(true)
			e.signal(ctx, cmd, spec, syscall.SIGKILL, logger)
			return
		}
		timedOut.Store(true)
		e.signal(ctx, cmd, spec, syscall.SIGTERM, logger)
		select {
		case <-exited:
		case <-time.After(limits.KillGrace):
			e.signal(ctx, cmd, spec, syscall.SIGKILL, logger)
		}
	}()

	out := wire.NewWriter(stdin, wire.DefaultMaxFrame)
	go func() {
		job := &wire.Job{
			ID:             req.ID,
			Source:         req.Code,
			Capabilities:   req.Context.Capabilities,
			Values:         req.Context.Values,
			Today:          req.Context.Today,
			Limits:         limits.wire(),
			RequireNonRoot: e.cfg.RequireNonRoot,
			LogLevel:       e.logLevel,
		}
		if err := out.Write(&wire.Envelope{Kind: wire.KindJob, Job: job}); err != nil {
			logger.Debug("failed to send job", zap.Error(err))
		}
	}()

	store := e.store
	if req.Credential != "" {
		store = store.WithCredential(req.Credential)
	}
	proxy := &helperProxy{
		logger:   logger,
		store:    store,
		limiter:  rate.NewLimiter(rate.Limit(e.cfg.HelperCallsPerSec), e.cfg.HelperBurst),
		observer: e.observer,
		input:    req.Context.InputLocation(),
		output:   req.Context.OutputLocation(),
	}
	s := &session{in: wire.NewReader(stdout, wire.DefaultMaxFrame), out: out, proxy: proxy}

	result, protoErr := s.run(execCtx)
	if protoErr != nil && !timedOut.Load() && !cancelled.Load() {
		logger.Warn("runner protocol error", zap.Error(protoErr))
		e.signal(ctx, cmd, spec, syscall.SIGKILL, logger)
	}
	_ = stdin.Close()
	waitErr := cmd.Wait()
	close(exited)
	watch.Wait()

	info := exitInfo{
		TimedOut:    timedOut.Load(),
		Cancelled:   cancelled.Load(),
		Elapsed:     time.Since(start),
		Result:      result,
		ProtocolErr: protoErr,
		Stderr:      stderr.String(),
	}
	info.fillState(cmd.ProcessState, e.boundary.ExitCodeSignals())
	if r, ok := e.boundary.(Reaper); ok {
		info.OOMKilled = r.Reap(ctx, spec)
	}

	if info.Stderr != "" {
		logger.Debug("runner stderr", zap.String("stderr", info.Stderr))
	}
	logger.Debug("runner exited",
		zap.Int("exit_code", info.ExitCode),
		zap.Stringer("signal", info.Signal),
		zap.Duration("elapsed", info.Elapsed),
		zap.Duration("cpu", info.CPUTime),
		zap.Int64("max_rss", info.MaxRSS),
		zap.NamedError("wait_error", waitErr))

	outcome := classify(info, limits, proxy.artifacts)
	e.observer.RecordExecution(outcome.State(), info.Elapsed)
	span.SetAttributes(attribute.String("databox.outcome", outcome.State()))
	return outcome, nil
}

func (e *Executor) signal(ctx context.Context, cmd *exec.Cmd, spec LaunchSpec, sig syscall.Signal, logger *zap.Logger) {
	if err := e.boundary.Signal(ctx, cmd, spec, sig); err != nil {
		logger.Warn("failed to signal runner", zap.Stringer("signal", sig), zap.Error(err))
	}
}

// cappedBuffer keeps the first max bytes written to it.
type cappedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - len(b.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		b.buf = append(b.buf, p[:room]...)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
