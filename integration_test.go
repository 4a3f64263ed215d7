package integration

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/databox/artifact"
	"github.com/isdmx/databox/artifact/artifacttest"
	"github.com/isdmx/databox/config"
	"github.com/isdmx/databox/logger"
	"github.com/isdmx/databox/mcpserver"
	"github.com/isdmx/databox/metrics"
	"github.com/isdmx/databox/namespace"
	"github.com/isdmx/databox/pipeline"
	"github.com/isdmx/databox/response"
	"github.com/isdmx/databox/runner"
	"github.com/isdmx/databox/sandbox"
)

// TestMain lets the test binary stand in for the runner.
func TestMain(m *testing.M) {
	if os.Getenv("DATABOX_RUNNER_TEST") == "1" {
		os.Exit(runner.Main())
	}
	os.Exit(m.Run())
}

const salesCSV = "region,amount,units\nnorth,10.5,3\nsouth,20,4\neast,7.25,1\n"

// countingExecutor records how many runner processes were requested.
type countingExecutor struct {
	next   sandbox.SandboxExecutor
	spawns atomic.Int32
}

func (c *countingExecutor) Execute(ctx context.Context, req sandbox.ExecuteRequest) (sandbox.Outcome, error) {
	c.spawns.Add(1)
	return c.next.Execute(ctx, req)
}

type stack struct {
	service  *pipeline.Service
	executor *countingExecutor
	store    *artifacttest.Store
	cfg      *config.Config
	logger   *zap.Logger
}

// loadConfig writes a configuration file that selects the process boundary
// with the test binary as runner, and loads it the way the server does.
func loadConfig(t *testing.T, storeURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
logging:
  mode: development
  level: info
sandbox:
  boundary: process
  enable_process_boundary: true
  runner_path: ` + os.Args[0] + `
  scratch_root: ` + dir + `
  run_as_uid: -1
  run_as_gid: -1
  require_non_root: false
  kill_grace_ms: 300
  max_concurrent: 2
  helper_calls_per_sec: 100
  helper_burst: 100
  env:
    databox_runner_test: "1"
artifact_store:
  url: ` + storeURL + `
  token: integration-token
  max_retries: 0
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func newStack(t *testing.T) *stack {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping end-to-end execution in short mode")
	}

	store := artifacttest.New("integration-token")
	srv := httptest.NewServer(store)
	t.Cleanup(srv.Close)

	cfg := loadConfig(t, srv.URL)
	log := zaptest.NewLogger(t)

	observer, err := metrics.NewPrometheusObserver(prometheus.NewRegistry())
	require.NoError(t, err)

	boundary, err := sandbox.NewBoundary(log, &cfg.Sandbox)
	require.NoError(t, err)
	client := artifact.NewClient(cfg.ArtifactStore.URL,
		artifact.WithToken(cfg.ArtifactStore.Token),
		artifact.WithMaxRetries(cfg.ArtifactStore.MaxRetries),
		artifact.WithLogger(log))
	exec := &countingExecutor{next: sandbox.NewExecutor(log, cfg, boundary, client, sandbox.WithObserver(observer))}

	return &stack{
		service:  pipeline.NewService(log, cfg, exec, pipeline.WithObserver(observer)),
		executor: exec,
		store:    store,
		cfg:      cfg,
		logger:   log,
	}
}

func submission(source string) pipeline.Submission {
	return pipeline.Submission{
		Source: source,
		Context: map[string]string{
			namespace.InputLocationKey:  "runs/42/input",
			namespace.OutputLocationKey: "runs/42/results",
		},
	}
}

func TestConfigAndLogger(t *testing.T) {
	cfg := loadConfig(t, "http://localhost:8090")

	assert.Equal(t, config.BoundaryProcess, cfg.Sandbox.Boundary)
	assert.Equal(t, "1", cfg.Sandbox.Env["databox_runner_test"])

	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	require.NoError(t, err)
	log.Info("integration test started")
	_ = log.Sync()
}

func TestDescribeAndUpload(t *testing.T) {
	s := newStack(t)
	s.store.Put("runs/42/input/sales.csv", []byte(salesCSV))

	resp := s.service.Run(context.Background(),
		submission("df = fetch_data('sales.csv'); upload_result('out.csv', df.describe())"))

	require.True(t, resp.OK, "response: %+v", resp)
	require.Len(t, resp.Artifacts, 1)
	assert.Equal(t, "out.csv", resp.Artifacts[0].Name)
	assert.Equal(t, namespace.ArtifactTable, resp.Artifacts[0].Kind)
	assert.Equal(t, "runs/42/results/out.csv", resp.Artifacts[0].Locator)

	data, contentType, ok := s.store.Get("runs/42/results/out.csv")
	require.True(t, ok)
	assert.Equal(t, "text/csv", contentType)
	assert.Contains(t, string(data), "amount")
}

func TestImportRejectedWithoutSpawn(t *testing.T) {
	s := newStack(t)

	resp := s.service.Run(context.Background(), submission("import os; os.system('ls')"))

	assert.False(t, resp.OK)
	assert.Equal(t, response.KindValidationRejected, resp.Error.Kind)
	require.NotEmpty(t, resp.Violations)
	assert.Equal(t, 1, resp.Violations[0].Line)
	assert.Equal(t, int32(0), s.executor.spawns.Load())
}

func TestUnknownNameRejected(t *testing.T) {
	s := newStack(t)

	resp := s.service.Run(context.Background(), submission("xyz.doSomething()"))

	assert.False(t, resp.OK)
	assert.Equal(t, response.KindValidationRejected, resp.Error.Kind)
	assert.Equal(t, int32(0), s.executor.spawns.Load())
}

func TestInfiniteLoopTimesOut(t *testing.T) {
	s := newStack(t)
	sub := submission("while True: pass")
	sub.Limits = sandbox.Overrides{TimeoutSec: 2}

	start := time.Now()
	resp := s.service.Run(context.Background(), sub)
	elapsed := time.Since(start)

	assert.False(t, resp.OK)
	assert.Equal(t, response.KindTimedOut, resp.Error.Kind)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 2*time.Second+time.Duration(s.cfg.Sandbox.KillGraceMS)*time.Millisecond+5*time.Second)
}

func TestLongRunUnderDefaultLimits(t *testing.T) {
	s := newStack(t)
	s.store.Put("runs/42/input/sales.csv", []byte(salesCSV))

	resp := s.service.Run(context.Background(), submission(`total = 0
i = 0
while i < 2000000:
    total += i % 3
    i += 1
df = fetch_data('sales.csv')
upload_result('total.json', {"total": total, "rows": len(df)})
total`))

	require.True(t, resp.OK, "response: %+v", resp)
	assert.Equal(t, "1999999", resp.Result)
	require.Len(t, resp.Artifacts, 1)
	assert.Equal(t, "runs/42/results/total.json", resp.Artifacts[0].Locator)
}

func TestTraversalReachesCodeAsArtifactIOFailure(t *testing.T) {
	s := newStack(t)
	s.store.Put("runs/42/secret.csv", []byte("a\n1\n"))

	resp := s.service.Run(context.Background(), submission("df = fetch_data('../secret.csv')"))

	assert.False(t, resp.OK)
	assert.Equal(t, response.KindRuntimeFailure, resp.Error.Kind)
	assert.Equal(t, namespace.ExceptionType, resp.Error.ExceptionType)
	assert.Empty(t, resp.Artifacts)
}

func TestClassificationIsDeterministic(t *testing.T) {
	s := newStack(t)
	s.store.Put("runs/42/input/sales.csv", []byte(salesCSV))
	sources := []string{
		"df = fetch_data('sales.csv')\nlen(df)",
		"x = 1 // 0",
		"fail('stop')",
	}

	for _, source := range sources {
		first := s.service.Run(context.Background(), submission(source))
		second := s.service.Run(context.Background(), submission(source))

		assert.Equal(t, first.OK, second.OK, source)
		assert.Equal(t, first.Error, second.Error, source)
		assert.Equal(t, first.Result, second.Result, source)
	}
}

func TestMCPServerOverPipeline(t *testing.T) {
	s := newStack(t)

	server, err := mcpserver.New(s.cfg, s.logger, s.service, prometheus.NewRegistry())
	require.NoError(t, err)
	require.NotNil(t, server.GetMCPServer())
	assert.NotNil(t, server.Handler())
}
