// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes the
// submission pipeline to agents. It uses the mark3labs/mcp-go library to
// handle the protocol details and provides three tools: run_code,
// validate_code and list_capabilities.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration. Over HTTP the MCP endpoint is mounted at /mcp
// next to /metrics and /healthz, and a bearer token on the request replaces
// the configured artifact-store credential for that call.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, service, registry)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ListenAndServe()
package mcpserver
