package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/databox/artifact"
	"github.com/isdmx/databox/config"
	"github.com/isdmx/databox/logger"
	"github.com/isdmx/databox/mcpserver"
	"github.com/isdmx/databox/metrics"
	"github.com/isdmx/databox/pipeline"
	"github.com/isdmx/databox/sandbox"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Metrics registry and observer
			newRegistry,
			newObserver,

			// Artifact store client
			newArtifactClient,

			// Isolation boundary and executor based on config
			newBoundary,
			newExecutor,

			// Submission pipeline
			newService,

			// MCP Server
			mcpserver.New,
		),

		// Start the appropriate transport based on config
		fx.Invoke(registerTransport),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newObserver(reg *prometheus.Registry) (metrics.Observer, error) {
	return metrics.NewPrometheusObserver(reg)
}

func newArtifactClient(cfg *config.Config, log *zap.Logger) *artifact.Client {
	return artifact.NewClient(cfg.ArtifactStore.URL,
		artifact.WithToken(cfg.ArtifactStore.Token),
		artifact.WithMaxRetries(cfg.ArtifactStore.MaxRetries),
		artifact.WithMaxBytes(int64(cfg.Sandbox.MaxArtifactSizeMB)*sandbox.BytesPerMB),
		artifact.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.ArtifactStore.TimeoutSec) * time.Second}),
		artifact.WithLogger(log.Named("artifact")),
	)
}

func newBoundary(cfg *config.Config, log *zap.Logger) (sandbox.Boundary, error) {
	return sandbox.NewBoundary(log, &cfg.Sandbox)
}

func newExecutor(cfg *config.Config, log *zap.Logger, boundary sandbox.Boundary, store *artifact.Client, observer metrics.Observer) sandbox.SandboxExecutor {
	return sandbox.NewExecutor(log, cfg, boundary, store, sandbox.WithObserver(observer))
}

func newService(cfg *config.Config, log *zap.Logger, executor sandbox.SandboxExecutor, observer metrics.Observer) mcpserver.Service {
	return pipeline.NewService(log, cfg, executor, pipeline.WithObserver(observer))
}

func registerTransport(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, server *mcpserver.MCPServer, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			serve := server.ServeStdio
			if cfg.Server.Transport == "http" {
				serve = server.ListenAndServe
			}
			go func() {
				if err := serve(); err != nil {
					log.Error("transport stopped", zap.Error(err))
				}
				// stdio ends when the client closes stdin
				_ = shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: server.Shutdown,
	})
}
