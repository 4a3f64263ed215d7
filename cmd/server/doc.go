// Package main is the entry point for the Databox MCP server.
//
// The Databox server exposes a Model Context Protocol (MCP) tool surface
// through which agents submit untrusted data-analysis code. Each submission
// is validated statically, then run in a separate runner process behind an
// isolation boundary (bubblewrap, Docker or Podman) under hard resource
// limits, and the outcome is returned as a structured response. The server
// supports both stdio and HTTP transports.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
