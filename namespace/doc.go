// Package namespace defines every name submitted code can see.
//
// The Catalog enumerates builtins, library handles with their exact member
// lists, I/O helpers and injected context values. The validator builds its
// allow-list from the same Catalog, so a name is usable if and only if it is
// allowed. Builder resolves a submission's context bag into an
// ExecutionContext; ExecutionContext.Bind turns it into Starlark values in
// the runner, with helpers routed through a Host.
package namespace
