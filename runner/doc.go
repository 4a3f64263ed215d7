// Package runner is the child side of an execution.
//
// The runner is started by the sandbox boundary with a clean environment
// and a private scratch directory. It reads a single job frame, applies its
// own resource limits and no_new_privs, prunes every builtin that is not in
// the namespace catalog, and interprets the submission. Helper calls are
// proxied to the parent as call/reply frames; the runner itself never opens
// a network connection. A heap watchdog and a SIGXCPU handler turn limit
// breaches into a resource_exceeded result before the kernel kills the
// process.
package runner
