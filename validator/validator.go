package validator

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/syntax"

	"github.com/isdmx/databox/namespace"
)

// Filename is the name submissions are parsed and executed under.
const Filename = "submission.star"

// FileOptions returns the dialect accepted for submissions. The runner
// executes with the same options the validator parsed with.
func FileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
	}
}

// Violation is one forbidden construct found in a submission.
type Violation struct {
	Rule    Rule   `json:"rule"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// Verdict is the outcome of validating one submission. Accepted is true
// exactly when Violations is empty.
type Verdict struct {
	Accepted   bool        `json:"accepted"`
	Violations []Violation `json:"violations"`
}

// Validator statically checks submissions against a closed allow-list.
// It is stateless and safe for concurrent use.
type Validator struct {
	catalog *namespace.Catalog
	options *syntax.FileOptions
}

// New returns a Validator whose allow-list is catalog.
func New(catalog *namespace.Catalog) *Validator {
	return &Validator{catalog: catalog, options: FileOptions()}
}

// Validate never executes source.
func (v *Validator) Validate(source string) Verdict {
	if found := scanImports(source); len(found) > 0 {
		return newVerdict(found)
	}

	f, err := v.options.Parse(Filename, source, 0)
	if err != nil {
		return newVerdict([]Violation{syntaxViolation(err)})
	}

	w := &walker{
		catalog: v.catalog,
		skip:    make(map[*syntax.Ident]bool),
		flagged: make(map[nameAt]bool),
	}
	syntax.Walk(f, w.visit)

	if err := resolve.File(f, v.catalog.Has, func(string) bool { return false }); err != nil {
		w.resolveErrors(err)
	}
	return newVerdict(w.found)
}

var importStmt = regexp.MustCompile(`^\s*(?:import\s+([A-Za-z_][\w.]*)|from\s+([A-Za-z_.][\w.]*)\s+import\b)`)

// scanImports finds import statements of the host language. They are not
// valid in the dialect, so reporting them as imports gives a better answer
// than a parse error.
func scanImports(source string) []Violation {
	var out []Violation
	for _, stmt := range statements(source) {
		m := importStmt.FindStringSubmatch(stmt.text)
		if m == nil {
			continue
		}
		module := m[1]
		if module == "" {
			module = m[2]
		}
		out = append(out, Violation{
			Rule:    RuleImport,
			Line:    stmt.line,
			Message: fmt.Sprintf("import of %q: %s", module, ruleMessages[RuleImport]),
		})
	}
	return out
}

type statement struct {
	text string
	line int
}

// statements splits source into simple statements at newlines, semicolons
// and block colons. String literals and comments are blanked so their
// contents never start a statement.
func statements(source string) []statement {
	var (
		out   []statement
		cur   strings.Builder
		line  = 1
		start = 1
		depth int
	)
	flush := func() {
		out = append(out, statement{text: cur.String(), line: start})
		cur.Reset()
		start = line
	}

	src := []rune(source)
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '\n':
			line++
			if depth == 0 {
				flush()
			} else {
				cur.WriteRune(' ')
			}
		case c == '#':
			for i+1 < len(src) && src[i+1] != '\n' {
				i++
			}
		case c == '"' || c == '\'':
			end, lines := skipString(src, i)
			i = end
			line += lines
			cur.WriteString(`""`)
		case (c == ';' || c == ':') && depth == 0:
			flush()
		default:
			switch c {
			case '(', '[', '{':
				depth++
			case ')', ']', '}':
				if depth > 0 {
					depth--
				}
			}
			cur.WriteRune(c)
		}
	}
	flush()
	return out
}

// skipString returns the index of the last rune of the string literal
// opened at src[i] and the number of newlines inside it. An unterminated
// literal runs to the end of its line, or of the source when triple quoted.
func skipString(src []rune, i int) (end, lines int) {
	quote := src[i]
	triple := i+2 < len(src) && src[i+1] == quote && src[i+2] == quote
	j := i + 1
	if triple {
		j = i + 3
	}
	for ; j < len(src); j++ {
		switch c := src[j]; {
		case c == '\\':
			if j+1 < len(src) && src[j+1] == '\n' {
				lines++
			}
			j++
		case c == '\n':
			if !triple {
				return j - 1, lines
			}
			lines++
		case c == quote:
			if !triple {
				return j, lines
			}
			if j+2 < len(src) && src[j+1] == quote && src[j+2] == quote {
				return j + 2, lines
			}
		}
	}
	return len(src) - 1, lines
}

func syntaxViolation(err error) Violation {
	var se syntax.Error
	if errors.As(err, &se) {
		return Violation{Rule: RuleSyntax, Line: int(se.Pos.Line), Message: se.Msg}
	}
	return Violation{Rule: RuleSyntax, Message: err.Error()}
}

type nameAt struct {
	name string
	line int
}

type walker struct {
	catalog *namespace.Catalog
	found   []Violation
	skip    map[*syntax.Ident]bool
	flagged map[nameAt]bool
}

func (w *walker) add(rule Rule, line int, name, detail string) {
	w.flagged[nameAt{name, line}] = true
	w.found = append(w.found, Violation{
		Rule:    rule,
		Line:    line,
		Message: fmt.Sprintf("%s: %s", detail, ruleMessages[rule]),
	})
}

func (w *walker) visit(n syntax.Node) bool {
	switch n := n.(type) {
	case *syntax.LoadStmt:
		module, _ := n.Module.Value.(string)
		w.add(RuleImport, int(n.Load.Line), module, fmt.Sprintf("load(%q)", module))
		for _, id := range n.From {
			w.skip[id] = true
		}
		for _, id := range n.To {
			w.skip[id] = true
		}

	case *syntax.WhileStmt:
		// syntax.Walk has no case for while loops.
		syntax.Walk(n.Cond, w.visit)
		for _, stmt := range n.Body {
			syntax.Walk(stmt, w.visit)
		}
		return false

	case *syntax.CallExpr:
		// Keyword argument names are not references.
		for _, arg := range n.Args {
			if b, ok := arg.(*syntax.BinaryExpr); ok && b.Op == syntax.EQ {
				if id, ok := b.X.(*syntax.Ident); ok {
					w.skip[id] = true
				}
			}
		}

	case *syntax.DotExpr:
		w.skip[n.Name] = true
		w.attribute(n)

	case *syntax.Ident:
		if w.skip[n] {
			return true
		}
		line := int(n.NamePos.Line)
		if rule, ok := forbiddenNames[n.Name]; ok {
			w.add(rule, line, n.Name, fmt.Sprintf("use of %q", n.Name))
		} else if isDunder(n.Name) {
			w.add(RuleDynamicEval, line, n.Name, fmt.Sprintf("use of %q", n.Name))
		}
	}
	return true
}

func (w *walker) attribute(n *syntax.DotExpr) {
	attr := n.Name.Name
	line := int(n.NamePos.Line)

	if id, ok := n.X.(*syntax.Ident); ok && w.catalog.IsLibrary(id.Name) {
		if !w.catalog.HasMember(id.Name, attr) {
			w.flagged[nameAt{"." + attr, line}] = true
			w.found = append(w.found, Violation{
				Rule:    RuleAttribute,
				Line:    line,
				Message: fmt.Sprintf("%s has no member %q; see list_capabilities", id.Name, attr),
			})
		}
		return
	}

	if rule, ok := attrRule(attr); ok {
		w.add(rule, line, "."+attr, fmt.Sprintf("attribute %q", attr))
	}
}

// resolveErrors turns resolver failures into violations. Undefined names
// become unknown-name unless a more specific rule already reported the same
// name on that line; anything else fails closed as a syntax violation.
func (w *walker) resolveErrors(err error) {
	var list resolve.ErrorList
	if !errors.As(err, &list) {
		w.found = append(w.found, Violation{Rule: RuleSyntax, Message: err.Error()})
		return
	}
	for _, e := range list {
		line := int(e.Pos.Line)
		rest, ok := strings.CutPrefix(e.Msg, "undefined: ")
		if !ok {
			w.found = append(w.found, Violation{Rule: RuleSyntax, Line: line, Message: e.Msg})
			continue
		}
		name, hint, _ := strings.Cut(rest, " ")
		if w.flagged[nameAt{name, line}] {
			continue
		}
		msg := fmt.Sprintf("name %q is not in the allowed namespace", name)
		if hint != "" {
			msg += " " + hint
		}
		w.found = append(w.found, Violation{Rule: RuleUnknownName, Line: line, Message: msg})
	}
}

// newVerdict deduplicates violations by rule and line, keeping the first
// message, and orders them by line then rule.
func newVerdict(found []Violation) Verdict {
	type key struct {
		rule Rule
		line int
	}
	seen := make(map[key]bool, len(found))
	out := make([]Violation, 0, len(found))
	for _, v := range found {
		k := key{v.Rule, v.Line}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		return out[i].Rule < out[j].Rule
	})
	return Verdict{Accepted: len(out) == 0, Violations: out}
}
