package namespace

import (
	"sort"

	"go.starlark.net/starlark"
)

// Kind classifies a capability.
type Kind string

// Capability kinds.
const (
	KindBuiltin Kind = "builtin"
	KindLibrary Kind = "library"
	KindHelper  Kind = "helper"
	KindValue   Kind = "value"
)

// Capability is one name visible to submitted code.
type Capability struct {
	Name    string   `json:"name"`
	Kind    Kind     `json:"kind"`
	Summary string   `json:"summary"`
	Members []string `json:"members,omitempty"`

	bind func(b *binding) (starlark.Value, error)
}

// Catalog is the enumerated set of capabilities. The validator's allow-list
// and the runner's namespace are both derived from it.
type Catalog struct {
	entries []Capability
	index   map[string]int
	members map[string]map[string]bool
}

func newCatalog(entries []Capability) *Catalog {
	c := &Catalog{
		entries: entries,
		index:   make(map[string]int, len(entries)),
		members: make(map[string]map[string]bool),
	}
	for i, e := range entries {
		if _, dup := c.index[e.Name]; dup {
			panic("namespace: duplicate capability " + e.Name)
		}
		c.index[e.Name] = i
		if e.Kind == KindLibrary {
			set := make(map[string]bool, len(e.Members))
			for _, m := range e.Members {
				set[m] = true
			}
			c.members[e.Name] = set
		}
	}
	return c
}

var defaultCatalog = newCatalog(entries())

// Default returns the catalog compiled into this binary.
func Default() *Catalog {
	return defaultCatalog
}

// Has reports whether name is an allowed top-level name.
func (c *Catalog) Has(name string) bool {
	_, ok := c.index[name]
	return ok
}

// Lookup returns the capability registered under name.
func (c *Catalog) Lookup(name string) (Capability, bool) {
	i, ok := c.index[name]
	if !ok {
		return Capability{}, false
	}
	return c.entries[i], true
}

// IsLibrary reports whether name is a library handle.
func (c *Catalog) IsLibrary(name string) bool {
	_, ok := c.members[name]
	return ok
}

// HasMember reports whether the library handle exposes member.
func (c *Catalog) HasMember(handle, member string) bool {
	return c.members[handle][member]
}

// Names returns every allowed top-level name, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names
}

// Capabilities returns a copy of the catalog entries in declaration order.
func (c *Catalog) Capabilities() []Capability {
	out := make([]Capability, len(c.entries))
	copy(out, c.entries)
	for i := range out {
		out[i].Members = append([]string(nil), out[i].Members...)
	}
	return out
}

var builtinNames = []string{
	"True", "False", "None",
	"abs", "all", "any", "bool", "chr", "dict", "enumerate", "fail", "float",
	"int", "len", "list", "max", "min", "ord", "print", "range", "repr",
	"reversed", "set", "sorted", "str", "tuple", "type", "zip",
}

// builtinValues is captured before any caller prunes starlark.Universe.
var builtinValues = snapshotBuiltins()

func snapshotBuiltins() starlark.StringDict {
	out := make(starlark.StringDict, len(builtinNames))
	for _, name := range builtinNames {
		v, ok := starlark.Universe[name]
		if !ok {
			panic("namespace: starlark has no builtin " + name)
		}
		out[name] = v
	}
	return out
}

// PruneUniverse removes every universal name that is not an enumerated
// builtin, so nothing reaches user code by inheritance. It affects the
// whole process and is meant for the runner only.
func PruneUniverse() {
	for name := range starlark.Universe {
		if _, ok := builtinValues[name]; !ok {
			delete(starlark.Universe, name)
		}
	}
}

func entries() []Capability {
	out := make([]Capability, 0, len(builtinNames)+12)
	for _, name := range builtinNames {
		name := name
		out = append(out, Capability{
			Name:    name,
			Kind:    KindBuiltin,
			Summary: "language builtin",
			bind: func(*binding) (starlark.Value, error) {
				return builtinValues[name], nil
			},
		})
	}

	out = append(out,
		Capability{
			Name:    "math",
			Kind:    KindLibrary,
			Summary: "floating point functions and constants",
			Members: mathMembers,
			bind:    bindMath,
		},
		Capability{
			Name:    "json",
			Kind:    KindLibrary,
			Summary: "JSON encoding and decoding",
			Members: jsonMembers,
			bind:    bindJSON,
		},
		Capability{
			Name:    "time",
			Kind:    KindLibrary,
			Summary: "time parsing and durations",
			Members: timeMembers,
			bind:    bindTime,
		},
		Capability{
			Name:    "stats",
			Kind:    KindLibrary,
			Summary: "descriptive statistics over numeric sequences",
			Members: statsMembers,
			bind:    bindStats,
		},
		Capability{
			Name:    "table",
			Kind:    KindLibrary,
			Summary: "table constructors",
			Members: tableModuleMembers,
			bind:    bindTableModule,
		},
		Capability{
			Name:    "fetch_data",
			Kind:    KindHelper,
			Summary: "fetch_data(path) reads a CSV file from the input location into a table",
			bind:    bindFetchData,
		},
		Capability{
			Name:    "fetch_json",
			Kind:    KindHelper,
			Summary: "fetch_json(path) reads a JSON document from the input location",
			bind:    bindFetchJSON,
		},
		Capability{
			Name:    "fetch_text",
			Kind:    KindHelper,
			Summary: "fetch_text(path) reads a text file from the input location",
			bind:    bindFetchText,
		},
		Capability{
			Name:    "upload_result",
			Kind:    KindHelper,
			Summary: "upload_result(path, value, format=None) stores a table, string or JSON value under the output location",
			bind:    bindUploadResult,
		},
		Capability{
			Name:    "context",
			Kind:    KindValue,
			Summary: "read-only dict of the submission's context values",
			bind:    bindContext,
		},
		Capability{
			Name:    "today",
			Kind:    KindValue,
			Summary: "the execution date as YYYY-MM-DD",
			bind: func(b *binding) (starlark.Value, error) {
				return starlark.String(b.ec.Today), nil
			},
		},
	)
	return out
}
