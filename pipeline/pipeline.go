// Package pipeline drives one submission from receipt to response:
// validate, build the namespace, execute in the sandbox and assemble.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/isdmx/databox/config"
	"github.com/isdmx/databox/metrics"
	"github.com/isdmx/databox/namespace"
	"github.com/isdmx/databox/response"
	"github.com/isdmx/databox/sandbox"
	"github.com/isdmx/databox/validator"
)

// Submission states that are not execution outcomes.
const (
	StateReceived   = "received"
	StateValidating = "validating"
	StateRejected   = "rejected"
	StateValidated  = "validated"
	StateExecuting  = "executing"
	StateInternal   = "internal_error"
)

// Submission is one unit of untrusted code plus its execution context.
type Submission struct {
	// ID identifies the execution in logs and responses. A random one is
	// assigned when empty.
	ID      string
	Source  string
	Context map[string]string
	Limits  sandbox.Overrides
	// Credential overrides the configured artifact-store token.
	Credential string
}

// Service runs submissions. It is safe for concurrent use.
type Service struct {
	logger    *zap.Logger
	catalog   *namespace.Catalog
	validator *validator.Validator
	builder   *namespace.Builder
	executor  sandbox.SandboxExecutor
	observer  metrics.Observer
	tracer    trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithObserver sets the telemetry sink for submission states and
// violations.
func WithObserver(o metrics.Observer) Option {
	return func(s *Service) {
		s.observer = o
	}
}

// WithBuilder replaces the namespace builder.
func WithBuilder(b *namespace.Builder) Option {
	return func(s *Service) {
		s.builder = b
	}
}

// NewService creates a Service over the default capability catalog.
func NewService(logger *zap.Logger, cfg *config.Config, executor sandbox.SandboxExecutor, opts ...Option) *Service {
	catalog := namespace.Default()
	s := &Service{
		logger:    logger,
		catalog:   catalog,
		validator: validator.New(catalog),
		builder:   namespace.NewBuilder(catalog, namespace.WithMaxContextBytes(cfg.Sandbox.MaxContextBytes)),
		executor:  executor,
		observer:  metrics.Nop(),
		tracer:    otel.Tracer("github.com/isdmx/databox/pipeline"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Capabilities lists every name a submission may use.
func (s *Service) Capabilities() []namespace.Capability {
	return s.catalog.Capabilities()
}

// Validate checks source without executing it.
func (s *Service) Validate(ctx context.Context, source string) validator.Verdict {
	_, span := s.tracer.Start(ctx, "pipeline.validate")
	defer span.End()

	verdict := s.validator.Validate(source)
	span.SetAttributes(
		attribute.Bool("databox.accepted", verdict.Accepted),
		attribute.Int("databox.violations", len(verdict.Violations)),
	)
	return verdict
}

// Run takes a submission through every stage and always returns a
// Response; failures are reported in it, never returned.
func (s *Service) Run(ctx context.Context, sub Submission) response.Response {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	logger := s.logger.With(zap.String("execution_id", sub.ID))

	ctx, span := s.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("databox.execution_id", sub.ID),
	))
	defer span.End()

	state, resp := s.guarded(ctx, sub, logger)
	resp.ExecutionID = sub.ID

	s.observer.RecordSubmission(state)
	span.SetAttributes(attribute.String("databox.state", state))
	if !resp.OK {
		span.SetStatus(codes.Error, string(resp.Error.Kind))
	}
	logger.Info("submission finished",
		zap.String("state", state),
		zap.Bool("ok", resp.OK),
		zap.Int("artifacts", len(resp.Artifacts)))
	return resp
}

// guarded keeps a panic in any stage from reaching the transport.
func (s *Service) guarded(ctx context.Context, sub Submission, logger *zap.Logger) (state string, resp response.Response) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("submission panicked", zap.Any("panic", r), zap.Stack("stack"))
			state, resp = StateInternal, response.Internal(fmt.Errorf("unexpected failure: %v", r))
		}
	}()
	return s.run(ctx, sub, logger)
}

func (s *Service) run(ctx context.Context, sub Submission, logger *zap.Logger) (string, response.Response) {
	transition(ctx, logger, StateReceived, zap.Int("source_bytes", len(sub.Source)))

	transition(ctx, logger, StateValidating)
	verdict := s.Validate(ctx, sub.Source)
	if !verdict.Accepted {
		for _, v := range verdict.Violations {
			s.observer.RecordViolation(string(v.Rule))
		}
		transition(ctx, logger, StateRejected, zap.Any("violations", verdict.Violations))
		return StateRejected, response.Rejected(verdict)
	}
	transition(ctx, logger, StateValidated)

	ec, err := s.builder.Build(sub.Context)
	if err != nil {
		logger.Warn("failed to build execution context", zap.Error(err))
		return StateInternal, response.Internal(fmt.Errorf("failed to build execution context: %w", err))
	}

	transition(ctx, logger, StateExecuting)
	outcome, err := s.executor.Execute(ctx, sandbox.ExecuteRequest{
		ID:         sub.ID,
		Code:       sub.Source,
		Context:    ec,
		Limits:     sub.Limits,
		Credential: sub.Credential,
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrNoSlot) {
			logger.Warn("no execution slot", zap.Error(err))
		} else {
			logger.Error("execution failed to start", zap.Error(err))
		}
		return StateInternal, response.Internal(err)
	}

	transition(ctx, logger, outcome.State())
	return outcome.State(), response.Assemble(outcome)
}

// transition logs a state change and adds it to the current span.
func transition(ctx context.Context, logger *zap.Logger, state string, fields ...zap.Field) {
	trace.SpanFromContext(ctx).AddEvent(state)
	logger.Debug("submission "+state, fields...)
}
