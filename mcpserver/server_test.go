package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/databox/artifact"
	"github.com/isdmx/databox/config"
	"github.com/isdmx/databox/namespace"
	"github.com/isdmx/databox/pipeline"
	"github.com/isdmx/databox/response"
	"github.com/isdmx/databox/validator"
)

// MockService implements Service for testing
type MockService struct {
	runResponse response.Response
	submissions []pipeline.Submission
	verdict     validator.Verdict
}

func (m *MockService) Run(_ context.Context, sub pipeline.Submission) response.Response {
	m.submissions = append(m.submissions, sub)
	return m.runResponse
}

func (m *MockService) Validate(context.Context, string) validator.Verdict {
	return m.verdict
}

func (*MockService) Capabilities() []namespace.Capability {
	return namespace.Default().Capabilities()
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Transport: "http",
			HTTPPort:  8080,
		},
		Sandbox: config.SandboxConfig{
			Boundary:   config.BoundaryBwrap,
			TimeoutSec: 30,
			MemoryMB:   512,
		},
		Logging: config.LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
	}
}

func newTestServer(t *testing.T, svc *MockService) *MCPServer {
	t.Helper()
	server, err := New(testConfig(), zaptest.NewLogger(t), svc, prometheus.NewRegistry())
	require.NoError(t, err)
	return server
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestNewMCPServer(t *testing.T) {
	svc := &MockService{}
	server := newTestServer(t, svc)

	assert.Equal(t, svc, server.service)
	assert.NotNil(t, server.mcpServer)
	assert.NotNil(t, server.GetMCPServer())
}

func TestHandleRunCode(t *testing.T) {
	svc := &MockService{runResponse: response.Response{
		ExecutionID: "id-1",
		OK:          true,
		Summary:     "Execution completed with 1 artifact",
		Artifacts:   []artifact.Descriptor{{Kind: "table", Name: "out.csv", Locator: "out/out.csv"}},
	}}
	server := newTestServer(t, svc)

	res, err := server.handleRunCode(context.Background(), callRequest("run_code", map[string]any{
		"code":            "x = 1",
		"context":         map[string]any{"input_location": "in", "output_location": "out"},
		"timeout_seconds": float64(10),
		"memory_mb":       float64(256),
		"cpu_cores":       1.5,
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var got response.Response
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &got))
	assert.Equal(t, svc.runResponse, got)

	require.Len(t, svc.submissions, 1)
	sub := svc.submissions[0]
	assert.Equal(t, "x = 1", sub.Source)
	assert.Equal(t, map[string]string{"input_location": "in", "output_location": "out"}, sub.Context)
	assert.Equal(t, 10, sub.Limits.TimeoutSec)
	assert.Equal(t, 256, sub.Limits.MemoryMB)
	assert.InDelta(t, 1.5, sub.Limits.CPUCores, 1e-9)
	assert.Empty(t, sub.Credential)
}

func TestHandleRunCodeFailureIsError(t *testing.T) {
	svc := &MockService{runResponse: response.Rejected(validator.Verdict{Violations: []validator.Violation{
		{Rule: validator.RuleImport, Line: 1, Message: "import statements are not allowed"},
	}})}
	server := newTestServer(t, svc)

	res, err := server.handleRunCode(context.Background(), callRequest("run_code", map[string]any{"code": "import os"}))
	require.NoError(t, err)

	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), `"kind":"validation_rejected"`)
}

func TestHandleRunCodeBadArguments(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
	}{
		{"MissingCode", map[string]any{}},
		{"ContextNotObject", map[string]any{"code": "1", "context": "in"}},
		{"ContextValueNotString", map[string]any{"code": "1", "context": map[string]any{"n": float64(1)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockService{}
			server := newTestServer(t, svc)

			res, err := server.handleRunCode(context.Background(), callRequest("run_code", tt.args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Empty(t, svc.submissions)
		})
	}
}

func TestHandleRunCodeCredential(t *testing.T) {
	svc := &MockService{runResponse: response.Response{OK: true}}
	server := newTestServer(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer caller-token")
	ctx := withBearerCredential(context.Background(), req)

	_, err := server.handleRunCode(ctx, callRequest("run_code", map[string]any{"code": "1"}))
	require.NoError(t, err)

	require.Len(t, svc.submissions, 1)
	assert.Equal(t, "caller-token", svc.submissions[0].Credential)
}

func TestWithBearerCredentialIgnoresOtherSchemes(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

	assert.Empty(t, credentialFrom(withBearerCredential(context.Background(), req)))
}

func TestHandleValidateCode(t *testing.T) {
	svc := &MockService{verdict: validator.Verdict{Accepted: true, Violations: []validator.Violation{}}}
	server := newTestServer(t, svc)

	res, err := server.handleValidateCode(context.Background(), callRequest("validate_code", map[string]any{"code": "x = 1"}))
	require.NoError(t, err)

	assert.False(t, res.IsError)
	assert.JSONEq(t, `{"accepted": true, "violations": []}`, resultText(t, res))
}

func TestHandleListCapabilities(t *testing.T) {
	server := newTestServer(t, &MockService{})

	res, err := server.handleListCapabilities(context.Background(), callRequest("list_capabilities", nil))
	require.NoError(t, err)

	var got struct {
		Capabilities []capabilityInfo `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &got))

	names := make([]string, 0, len(got.Capabilities))
	for _, c := range got.Capabilities {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, namespace.Default().Names(), names)
}

func TestHandlerRoutes(t *testing.T) {
	server := newTestServer(t, &MockService{})
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/unknown")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShutdownWithoutStart(t *testing.T) {
	server := newTestServer(t, &MockService{})
	assert.NoError(t, server.Shutdown(context.Background()))
}

func TestHandleAnalysisGuide(t *testing.T) {
	server := newTestServer(t, &MockService{})

	res, err := server.handleAnalysisGuide(context.Background(), mcp.GetPromptRequest{
		Params: mcp.GetPromptParams{Name: analysisGuidePrompt},
	})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, mcp.RoleUser, res.Messages[0].Role)

	text, ok := res.Messages[0].Content.(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "No imports")

	for _, c := range namespace.Default().Capabilities() {
		assert.Contains(t, text.Text, c.Name)
		for _, m := range c.Members {
			assert.Contains(t, text.Text, m)
		}
	}
}

func TestAnalysisGuideRegistered(t *testing.T) {
	server := newTestServer(t, &MockService{})

	resp := server.GetMCPServer().HandleMessage(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"prompts/get","params":{"name":"analysis_guide"}}`))

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Databox analysis sandbox")
	assert.NotContains(t, string(data), `"error"`)
}

func TestRunCodeWhileLoopDoesNotPanic(t *testing.T) {
	svc := &MockService{runResponse: response.Response{OK: true, Artifacts: []artifact.Descriptor{}}}
	server := newTestServer(t, svc)

	assert.NotPanics(t, func() {
		_, err := server.handleRunCode(context.Background(), callRequest("run_code", map[string]any{"code": "while True: pass"}))
		require.NoError(t, err)
	})
}
