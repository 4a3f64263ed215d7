package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/isdmx/databox/config"
	"github.com/isdmx/databox/namespace"
	"github.com/isdmx/databox/pipeline"
	"github.com/isdmx/databox/response"
	"github.com/isdmx/databox/sandbox"
	"github.com/isdmx/databox/validator"
)

const (
	serverName    = "databox"
	serverVersion = "1.0.0"

	analysisGuidePrompt = "analysis_guide"

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Service is the submission pipeline behind the tools.
type Service interface {
	Run(ctx context.Context, sub pipeline.Submission) response.Response
	Validate(ctx context.Context, source string) validator.Verdict
	Capabilities() []namespace.Capability
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	service   Service
	registry  *prometheus.Registry
	mcpServer *server.MCPServer

	mu         sync.Mutex
	httpServer *http.Server
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, service Service, registry *prometheus.Registry) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		service:  service,
		registry: registry,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("sandbox.boundary", s.config.Sandbox.Boundary),
		zap.Int("sandbox.timeout_sec", s.config.Sandbox.TimeoutSec),
		zap.Int("sandbox.max_timeout_sec", s.config.Sandbox.MaxTimeoutSec),
		zap.Int("sandbox.memory_mb", s.config.Sandbox.MemoryMB),
		zap.Int("sandbox.max_memory_mb", s.config.Sandbox.MaxMemoryMB),
		zap.Float64("sandbox.cpu_cores", s.config.Sandbox.CPUCores),
		zap.Int("sandbox.max_concurrent", s.config.Sandbox.MaxConcurrent),
		zap.Bool("sandbox.enable_process_boundary", s.config.Sandbox.EnableProcessBoundary),
		zap.String("artifact_store.url", s.config.ArtifactStore.URL),
		zap.Bool("artifact_store.token_set", s.config.ArtifactStore.Token != ""),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer(serverName, serverVersion,
		server.WithRecovery(),
		server.WithPromptCapabilities(false),
	)

	s.registerRunCodeTool()
	s.registerValidateCodeTool()
	s.registerListCapabilitiesTool()
	s.registerAnalysisGuidePrompt()

	return s, nil
}

// registerRunCodeTool registers the run_code tool
func (s *MCPServer) registerRunCodeTool() {
	tool := mcp.Tool{
		Name: "run_code",
		Description: "Validate and run untrusted analysis code in an isolated process. " +
			"The code may only use the names returned by list_capabilities; " +
			"the value of a trailing expression is returned as the result.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"context": map[string]any{
					"type":                 "object",
					"description":          "String values visible to the code as ctx; input_location and output_location address the artifact store",
					"additionalProperties": map[string]any{"type": "string"},
				},
				"timeout_seconds": map[string]any{
					"type":        "number",
					"description": "Wall-clock limit (optional, capped by the server)",
				},
				"memory_mb": map[string]any{
					"type":        "number",
					"description": "Memory limit in MB (optional, capped by the server)",
				},
				"cpu_cores": map[string]any{
					"type":        "number",
					"description": "CPU cores (optional, capped by the server)",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunCode)
}

func (s *MCPServer) registerValidateCodeTool() {
	tool := mcp.Tool{
		Name:        "validate_code",
		Description: "Check code against the sandbox rules without running it",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to validate",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleValidateCode)
}

func (s *MCPServer) registerListCapabilitiesTool() {
	tool := mcp.Tool{
		Name:        "list_capabilities",
		Description: "List the builtins, libraries and helpers available to submitted code",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}

	s.mcpServer.AddTool(tool, s.handleListCapabilities)
}

func (s *MCPServer) registerAnalysisGuidePrompt() {
	prompt := mcp.NewPrompt(analysisGuidePrompt,
		mcp.WithPromptDescription("How to write code for run_code: no imports, and the names that are already bound"),
	)

	s.mcpServer.AddPrompt(prompt, s.handleAnalysisGuide)
}

// handleRunCode handles the run_code tool
func (s *MCPServer) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return errResult("code parameter is required"), nil
	}

	bag, err := contextArgument(request.GetArguments())
	if err != nil {
		return errResult(err.Error()), nil
	}

	sub := pipeline.Submission{
		Source:  code,
		Context: bag,
		Limits: sandbox.Overrides{
			TimeoutSec: request.GetInt("timeout_seconds", 0),
			MemoryMB:   request.GetInt("memory_mb", 0),
			CPUCores:   request.GetFloat("cpu_cores", 0),
		},
		Credential: credentialFrom(ctx),
	}

	s.logger.Info("code execution requested",
		zap.Int("code_bytes", len(code)),
		zap.Int("context_keys", len(bag)),
		zap.Bool("credential_override", sub.Credential != ""))

	resp := s.service.Run(ctx, sub)
	return jsonResult(resp, !resp.OK)
}

// handleValidateCode handles the validate_code tool
func (s *MCPServer) handleValidateCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return errResult("code parameter is required"), nil
	}

	verdict := s.service.Validate(ctx, code)
	s.logger.Debug("code validated", zap.Bool("accepted", verdict.Accepted), zap.Int("violations", len(verdict.Violations)))
	return jsonResult(verdict, false)
}

type capabilityInfo struct {
	Name    string   `json:"name"`
	Kind    string   `json:"kind"`
	Summary string   `json:"summary"`
	Members []string `json:"members,omitempty"`
}

// handleListCapabilities handles the list_capabilities tool
func (s *MCPServer) handleListCapabilities(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	caps := s.service.Capabilities()
	out := make([]capabilityInfo, 0, len(caps))
	for _, c := range caps {
		out = append(out, capabilityInfo{Name: c.Name, Kind: string(c.Kind), Summary: c.Summary, Members: c.Members})
	}
	return jsonResult(map[string]any{"capabilities": out}, false)
}

// handleAnalysisGuide renders the guide from the live capability catalog.
func (s *MCPServer) handleAnalysisGuide(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return mcp.NewGetPromptResult(
		"Guide for the databox analysis sandbox",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(analysisGuide(s.service.Capabilities()))),
		},
	), nil
}

func analysisGuide(caps []namespace.Capability) string {
	var b strings.Builder
	b.WriteString("# Databox analysis sandbox\n\n")
	b.WriteString("## No imports\n\n")
	b.WriteString("`import`, `from ... import` and `load(...)` are rejected before anything runs. ")
	b.WriteString("Every library below is already bound; use it directly, e.g. `stats.mean(df.column(\"amount\"))`.\n")

	sections := []struct {
		kind  namespace.Kind
		title string
	}{
		{namespace.KindLibrary, "Libraries"},
		{namespace.KindHelper, "Helpers"},
		{namespace.KindValue, "Context values"},
	}
	for _, sec := range sections {
		fmt.Fprintf(&b, "\n## %s\n\n", sec.title)
		for _, c := range caps {
			if c.Kind != sec.kind {
				continue
			}
			fmt.Fprintf(&b, "- `%s`: %s", c.Name, c.Summary)
			if len(c.Members) > 0 {
				fmt.Fprintf(&b, " (%s)", strings.Join(c.Members, ", "))
			}
			b.WriteString("\n")
		}
	}

	var builtins []string
	for _, c := range caps {
		if c.Kind == namespace.KindBuiltin {
			builtins = append(builtins, c.Name)
		}
	}
	fmt.Fprintf(&b, "\n## Builtins\n\n%s\n", strings.Join(builtins, " "))
	b.WriteString("\nAnything not listed here is an unknown name. The value of a trailing expression is returned as the result.\n")
	return b.String()
}

// contextArgument reads the optional string map argument "context".
func contextArgument(args map[string]any) (map[string]string, error) {
	raw, ok := args["context"]
	if !ok || raw == nil {
		return map[string]string{}, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New("context must be an object of strings")
	}
	bag := make(map[string]string, len(m))
	for k, v := range m {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("context value %q must be a string", k)
		}
		bag[k] = str
	}
	return bag, nil
}

func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
		IsError: isError,
	}, nil
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}

type credentialKey struct{}

// withBearerCredential carries the request's bearer token into tool calls.
func withBearerCredential(ctx context.Context, r *http.Request) context.Context {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return ctx
	}
	return context.WithValue(ctx, credentialKey{}, strings.TrimSpace(token))
}

func credentialFrom(ctx context.Context) string {
	token, _ := ctx.Value(credentialKey{}).(string)
	return token
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// Handler returns the HTTP routes: the MCP endpoint, metrics and health.
func (s *MCPServer) Handler() http.Handler {
	streamable := server.NewStreamableHTTPServer(s.mcpServer,
		server.WithHTTPContextFunc(withBearerCredential))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/mcp", streamable)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// ListenAndServe starts the server on HTTP. It returns nil after Shutdown.
func (s *MCPServer) ListenAndServe() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP transport, if it was started.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
