package runner

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/zap"

	"github.com/isdmx/databox/namespace"
	"github.com/isdmx/databox/validator"
	"github.com/isdmx/databox/wire"
)

const (
	maxExceptionBytes = 1024
	maxReturnBytes    = 5000
)

// Interpret runs job.Source against the namespace named in job and returns
// the result frame. It does not apply any limits; Main does that first.
func Interpret(job *wire.Job, host namespace.Host, log *zap.Logger) wire.Result {
	out := newOutput(job.Limits.MaxOutputBytes)

	ec := namespace.ExecutionContext{
		Capabilities: job.Capabilities,
		Values:       job.Values,
		Today:        job.Today,
	}
	predeclared, err := ec.Bind(namespace.Default(), host)
	if err != nil {
		return failure(out, "SetupError", err.Error())
	}

	thread := &starlark.Thread{
		Name:  job.ID,
		Print: func(_ *starlark.Thread, msg string) { out.writeLine(msg) },
	}

	opts := validator.FileOptions()
	f, err := opts.Parse(validator.Filename, job.Source, 0)
	if err != nil {
		return failedWith(out, err)
	}

	// A trailing expression statement is the submission's return value.
	var tail syntax.Expr
	if n := len(f.Stmts); n > 0 {
		if stmt, ok := f.Stmts[n-1].(*syntax.ExprStmt); ok {
			tail = stmt.X
			f.Stmts = f.Stmts[:n-1]
		}
	}

	prog, err := starlark.FileProgram(f, predeclared.Has)
	if err != nil {
		return failedWith(out, err)
	}
	globals, err := prog.Init(thread, predeclared)
	if err != nil {
		log.Debug("execution failed", zap.Error(err))
		return failedWith(out, err)
	}

	res := wire.Result{Status: wire.StatusCompleted}
	if tail != nil {
		env := make(starlark.StringDict, len(predeclared)+len(globals))
		for k, v := range predeclared {
			env[k] = v
		}
		for k, v := range globals {
			env[k] = v
		}
		v, err := starlark.EvalExprOptions(opts, thread, tail, env)
		if err != nil {
			log.Debug("return expression failed", zap.Error(err))
			return failedWith(out, err)
		}
		if v != starlark.None {
			res.ReturnSummary = truncate(v.String(), maxReturnBytes)
		}
	}
	res.Stdout, res.Truncated = out.result()
	return res
}

func failedWith(out *output, err error) wire.Result {
	excType, msg := exception(err)
	return failure(out, excType, msg)
}

func failure(out *output, excType, msg string) wire.Result {
	res := wire.Result{
		Status:        wire.StatusRuntimeFailure,
		ExceptionType: excType,
		Message:       truncate(msg, maxExceptionBytes),
	}
	res.Stdout, res.Truncated = out.result()
	return res
}

// exception maps an error to an exception type and message. Backtraces are
// never included.
func exception(err error) (string, string) {
	var he *namespace.HelperError
	if errors.As(err, &he) {
		return namespace.ExceptionType, fmt.Sprintf("%s(%q): %v", he.Helper, he.Path, he.Err)
	}
	var se syntax.Error
	if errors.As(err, &se) {
		return "SyntaxError", se.Msg
	}
	var re resolve.ErrorList
	if errors.As(err, &re) {
		return "NameError", re[0].Msg
	}
	var ee *starlark.EvalError
	if errors.As(err, &ee) {
		return "EvalError", ee.Msg
	}
	return "Error", err.Error()
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
