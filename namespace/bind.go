package namespace

import (
	"fmt"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/isdmx/databox/artifact"
)

// Host performs helper I/O on behalf of submitted code. In the runner it
// forwards each call to the parent process.
type Host interface {
	Fetch(path string) ([]byte, error)
	Upload(path, kind, contentType string, data []byte) (artifact.Descriptor, error)
}

// HelperError is an artifact store failure surfaced to submitted code.
type HelperError struct {
	Helper string
	Path   string
	Err    error
}

// ExceptionType is the name reported for unhandled helper failures.
const ExceptionType = "ArtifactIOFailure"

func (e *HelperError) Error() string {
	return fmt.Sprintf("%s: %s(%q): %v", ExceptionType, e.Helper, e.Path, e.Err)
}

func (e *HelperError) Unwrap() error { return e.Err }

type binding struct {
	ec   ExecutionContext
	host Host
}

// Bind materializes the capabilities named in ec. Every value is created
// for this call; nothing is shared with other executions except immutable
// builtin functions.
func (ec ExecutionContext) Bind(c *Catalog, host Host) (starlark.StringDict, error) {
	b := &binding{ec: ec, host: host}
	out := make(starlark.StringDict, len(ec.Capabilities))
	for _, name := range ec.Capabilities {
		capability, ok := c.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown capability %q", name)
		}
		v, err := capability.bind(b)
		if err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", name, err)
		}
		v.Freeze()
		out[name] = v
	}
	return out, nil
}

var (
	mathMembers = []string{
		"ceil", "floor", "round", "fabs", "sqrt", "exp", "log", "pow", "mod",
		"sin", "cos", "tan", "hypot", "degrees", "radians", "pi", "e",
	}
	jsonMembers = []string{"encode", "decode", "indent"}
	timeMembers = []string{
		"parse_time", "parse_duration", "from_timestamp", "time",
		"second", "minute", "hour",
	}
)

// restrict copies only the enumerated members of a library module.
func restrict(src *starlarkstruct.Module, members []string) (*starlarkstruct.Module, error) {
	dst := &starlarkstruct.Module{Name: src.Name, Members: make(starlark.StringDict, len(members))}
	for _, m := range members {
		v, ok := src.Members[m]
		if !ok {
			return nil, fmt.Errorf("module %s has no member %s", src.Name, m)
		}
		dst.Members[m] = v
	}
	return dst, nil
}

func bindMath(*binding) (starlark.Value, error) { return restrict(math.Module, mathMembers) }
func bindJSON(*binding) (starlark.Value, error) { return restrict(json.Module, jsonMembers) }
func bindTime(*binding) (starlark.Value, error) { return restrict(time.Module, timeMembers) }

func bindContext(b *binding) (starlark.Value, error) {
	d := starlark.NewDict(len(b.ec.Values))
	for _, k := range sortedKeys(b.ec.Values) {
		if err := d.SetKey(starlark.String(k), starlark.String(b.ec.Values[k])); err != nil {
			return nil, err
		}
	}
	return d, nil
}
