// Package sandbox provides secure code execution capabilities.
//
// The sandbox package runs validated submissions in a child runner process
// behind an isolation Boundary and classifies how each execution ended. It
// supports bubblewrap, Docker, Podman and a plain process boundary (for
// development only).
//
// The Executor owns the full lifecycle of one execution: a private scratch
// directory, the runner command, the frame session over the runner's
// stdin/stdout, the wall-clock watchdog and cleanup. Helper calls made by
// submitted code are served here against the artifact store, so the runner
// itself never holds a network connection or a credential.
//
// Usage:
//
//	boundary, err := sandbox.NewBoundary(logger, &cfg.Sandbox)
//	executor := sandbox.NewExecutor(logger, cfg, boundary, store)
//	outcome, err := executor.Execute(ctx, sandbox.ExecuteRequest{
//	    ID:      id,
//	    Code:    "print('Hello, World!')",
//	    Context: ec,
//	    Limits:  sandbox.Overrides{TimeoutSec: 10},
//	})
package sandbox
