// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. The server logs to stdout in the configured mode; the
// runner child logs JSON to stderr, which the parent captures.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Info("execution finished", zap.String("execution_id", id))
package logger
