package namespace

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Table is a small column-named table of Starlark values. It is the value
// fetch_data returns and the value upload_result stores as CSV.
type Table struct {
	columns []string
	rows    [][]starlark.Value
	frozen  bool
}

var (
	_ starlark.HasAttrs = (*Table)(nil)
	_ starlark.Sequence = (*Table)(nil)
)

// NewTable builds a table. Every row must have one value per column.
func NewTable(columns []string, rows [][]starlark.Value) (*Table, error) {
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		if seen[c] {
			return nil, fmt.Errorf("duplicate column %q", c)
		}
		seen[c] = true
	}
	for i, r := range rows {
		if len(r) != len(columns) {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(r), len(columns))
		}
	}
	return &Table{columns: columns, rows: rows}, nil
}

// ParseCSV reads a table from CSV with a header row. Cells that parse as
// integers or floats become numbers and empty cells become None.
func ParseCSV(data []byte) (*Table, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.ReuseRecord = false
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("invalid CSV: no header row")
	}

	rows := make([][]starlark.Value, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make([]starlark.Value, len(rec))
		for i, cell := range rec {
			row[i] = parseCell(cell)
		}
		rows = append(rows, row)
	}
	return NewTable(records[0], rows)
}

func parseCell(s string) starlark.Value {
	if s == "" {
		return starlark.None
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return starlark.MakeInt64(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return starlark.Float(f)
	}
	return starlark.String(s)
}

func formatCell(v starlark.Value) string {
	switch v := v.(type) {
	case starlark.NoneType:
		return ""
	case starlark.String:
		return string(v)
	case starlark.Float:
		return strconv.FormatFloat(float64(v), 'g', -1, 64)
	default:
		return v.String()
	}
}

// CSV renders the table with a header row.
func (t *Table) CSV() string {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(t.columns)
	rec := make([]string, len(t.columns))
	for _, row := range t.rows {
		for i, v := range row {
			rec[i] = formatCell(v)
		}
		_ = w.Write(rec)
	}
	w.Flush()
	return buf.String()
}

// Columns returns the column names.
func (t *Table) Columns() []string { return append([]string(nil), t.columns...) }

const previewRows = 10

func (t *Table) String() string {
	var sb strings.Builder
	sb.WriteString(strings.Join(t.columns, "\t"))
	for i, row := range t.rows {
		if i == previewRows {
			fmt.Fprintf(&sb, "\n... (%d more rows)", len(t.rows)-previewRows)
			break
		}
		sb.WriteByte('\n')
		for j, v := range row {
			if j > 0 {
				sb.WriteByte('\t')
			}
			sb.WriteString(formatCell(v))
		}
	}
	fmt.Fprintf(&sb, "\n[%d rows x %d columns]", len(t.rows), len(t.columns))
	return sb.String()
}

func (*Table) Type() string          { return "table" }
func (t *Table) Freeze()             { t.frozen = true }
func (t *Table) Truth() starlark.Bool { return len(t.rows) > 0 }
func (*Table) Hash() (uint32, error) { return 0, errors.New("unhashable type: table") }
func (t *Table) Len() int            { return len(t.rows) }

func (t *Table) Iterate() starlark.Iterator { return &tableIterator{t: t} }

type tableIterator struct {
	t *Table
	i int
}

func (it *tableIterator) Next(p *starlark.Value) bool {
	if it.i >= len(it.t.rows) {
		return false
	}
	*p = it.t.rowDict(it.i)
	it.i++
	return true
}

func (*tableIterator) Done() {}

type tableMethod func(thread *starlark.Thread, t *Table, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

var tableMethods = map[string]tableMethod{
	"head":     tableHead,
	"tail":     tableTail,
	"select":   tableSelect,
	"column":   tableColumn,
	"describe": tableDescribe,
	"sort_by":  tableSortBy,
	"filter":   tableFilter,
	"group_by": tableGroupBy,
	"rows":     tableRows,
	"to_csv":   tableToCSV,
}

// TableAttrs lists the attributes a table value exposes.
func TableAttrs() []string {
	names := []string{"columns", "num_rows"}
	for name := range tableMethods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Table) AttrNames() []string { return TableAttrs() }

func (t *Table) Attr(name string) (starlark.Value, error) {
	switch name {
	case "columns":
		cols := make([]starlark.Value, len(t.columns))
		for i, c := range t.columns {
			cols[i] = starlark.String(c)
		}
		return starlark.NewList(cols), nil
	case "num_rows":
		return starlark.MakeInt(len(t.rows)), nil
	}

	method, ok := tableMethods[name]
	if !ok {
		return nil, nil // no such attribute
	}
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return method(thread, t, "table."+fn.Name(), args, kwargs)
	}), nil
}

func (t *Table) columnIndex(name string) (int, error) {
	for i, c := range t.columns {
		if c == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no column %q", name)
}

func (t *Table) rowDict(i int) *starlark.Dict {
	d := starlark.NewDict(len(t.columns))
	for j, c := range t.columns {
		_ = d.SetKey(starlark.String(c), t.rows[i][j])
	}
	return d
}

func (t *Table) records() *starlark.List {
	out := make([]starlark.Value, len(t.rows))
	for i := range t.rows {
		out[i] = t.rowDict(i)
	}
	return starlark.NewList(out)
}

func (t *Table) slice(from, to int) *Table {
	rows := make([][]starlark.Value, 0, to-from)
	rows = append(rows, t.rows[from:to]...)
	return &Table{columns: t.Columns(), rows: rows}
}

func tableHead(_ *starlark.Thread, t *Table, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	n := 5
	if err := starlark.UnpackArgs(fnname, args, kwargs, "n?", &n); err != nil {
		return nil, err
	}
	n = clamp(n, 0, len(t.rows))
	return t.slice(0, n), nil
}

func tableTail(_ *starlark.Thread, t *Table, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	n := 5
	if err := starlark.UnpackArgs(fnname, args, kwargs, "n?", &n); err != nil {
		return nil, err
	}
	n = clamp(n, 0, len(t.rows))
	return t.slice(len(t.rows)-n, len(t.rows)), nil
}

func tableSelect(_ *starlark.Thread, t *Table, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", fnname)
	}
	idx := make([]int, len(args))
	cols := make([]string, len(args))
	for i, a := range args {
		name, ok := starlark.AsString(a)
		if !ok {
			return nil, fmt.Errorf("%s: column names must be strings, got %s", fnname, a.Type())
		}
		j, err := t.columnIndex(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fnname, err)
		}
		idx[i], cols[i] = j, name
	}
	rows := make([][]starlark.Value, len(t.rows))
	for r, row := range t.rows {
		out := make([]starlark.Value, len(idx))
		for i, j := range idx {
			out[i] = row[j]
		}
		rows[r] = out
	}
	nt, err := NewTable(cols, rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnname, err)
	}
	return nt, nil
}

func tableColumn(_ *starlark.Thread, t *Table, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(fnname, args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	j, err := t.columnIndex(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnname, err)
	}
	out := make([]starlark.Value, len(t.rows))
	for i, row := range t.rows {
		out[i] = row[j]
	}
	return starlark.NewList(out), nil
}

var describeStats = []string{"count", "mean", "std", "min", "25%", "50%", "75%", "max"}

// tableDescribe summarizes every numeric column, one row per statistic.
func tableDescribe(_ *starlark.Thread, t *Table, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(fnname, args, kwargs); err != nil {
		return nil, err
	}

	cols := []string{"statistic"}
	var summaries [][]float64
	for j, c := range t.columns {
		xs, numeric := t.numericColumn(j)
		if !numeric {
			continue
		}
		cols = append(cols, c)
		summaries = append(summaries, summarize(xs))
	}

	rows := make([][]starlark.Value, len(describeStats))
	for i, stat := range describeStats {
		row := make([]starlark.Value, 0, len(cols))
		row = append(row, starlark.String(stat))
		for _, s := range summaries {
			if i == 0 {
				row = append(row, starlark.MakeInt(int(s[0])))
				continue
			}
			row = append(row, floatOrNone(s[i]))
		}
		rows[i] = row
	}
	return NewTable(cols, rows)
}

// numericColumn returns the non-None values of column j and whether all of
// them are numbers. A column of only None is not numeric.
func (t *Table) numericColumn(j int) ([]float64, bool) {
	xs := make([]float64, 0, len(t.rows))
	for _, row := range t.rows {
		v := row[j]
		if v == starlark.None {
			continue
		}
		f, ok := asNumber(v)
		if !ok {
			return nil, false
		}
		xs = append(xs, f)
	}
	return xs, len(xs) > 0
}

func tableSortBy(_ *starlark.Thread, t *Table, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name    string
		reverse bool
	)
	if err := starlark.UnpackArgs(fnname, args, kwargs, "column", &name, "reverse?", &reverse); err != nil {
		return nil, err
	}
	j, err := t.columnIndex(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnname, err)
	}
	rows := append([][]starlark.Value(nil), t.rows...)
	sort.SliceStable(rows, func(a, b int) bool {
		if reverse {
			return compareValues(rows[b][j], rows[a][j]) < 0
		}
		return compareValues(rows[a][j], rows[b][j]) < 0
	})
	return &Table{columns: t.Columns(), rows: rows}, nil
}

func tableFilter(thread *starlark.Thread, t *Table, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var predicate starlark.Callable
	if err := starlark.UnpackArgs(fnname, args, kwargs, "predicate", &predicate); err != nil {
		return nil, err
	}
	var rows [][]starlark.Value
	for i, row := range t.rows {
		keep, err := starlark.Call(thread, predicate, starlark.Tuple{t.rowDict(i)}, nil)
		if err != nil {
			return nil, err
		}
		if keep.Truth() {
			rows = append(rows, row)
		}
	}
	return &Table{columns: t.Columns(), rows: rows}, nil
}

// tableGroupBy aggregates one column per distinct key, keeping first-seen
// key order.
func tableGroupBy(_ *starlark.Thread, t *Table, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		by     string
		column string
		agg    = "sum"
	)
	if err := starlark.UnpackArgs(fnname, args, kwargs, "by", &by, "column?", &column, "agg?", &agg); err != nil {
		return nil, err
	}
	aggregate, ok := aggregates[agg]
	if !ok {
		return nil, fmt.Errorf("%s: unknown aggregate %q", fnname, agg)
	}
	k, err := t.columnIndex(by)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnname, err)
	}
	v := -1
	if column != "" {
		if v, err = t.columnIndex(column); err != nil {
			return nil, fmt.Errorf("%s: %w", fnname, err)
		}
	} else if agg != "count" {
		return nil, fmt.Errorf("%s: aggregate %q needs a column", fnname, agg)
	}

	var keys []starlark.Value
	groups := make(map[string][]float64)
	counts := make(map[string]int)
	for _, row := range t.rows {
		key := row[k]
		id := key.Type() + ":" + key.String()
		if _, seen := counts[id]; !seen {
			keys = append(keys, key)
		}
		counts[id]++
		if v < 0 || row[v] == starlark.None {
			continue
		}
		f, ok := asNumber(row[v])
		if !ok {
			return nil, fmt.Errorf("%s: column %q has non-numeric value %s", fnname, column, row[v].String())
		}
		groups[id] = append(groups[id], f)
	}

	outName := agg
	if column != "" {
		outName = column + "_" + agg
	}
	rows := make([][]starlark.Value, 0, len(keys))
	for _, key := range keys {
		id := key.Type() + ":" + key.String()
		var out starlark.Value
		if agg == "count" {
			out = starlark.MakeInt(counts[id])
		} else {
			out = floatOrNone(aggregate(groups[id]))
		}
		rows = append(rows, []starlark.Value{key, out})
	}
	return NewTable([]string{by, outName}, rows)
}

func tableRows(_ *starlark.Thread, t *Table, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(fnname, args, kwargs); err != nil {
		return nil, err
	}
	return t.records(), nil
}

func tableToCSV(_ *starlark.Thread, t *Table, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(fnname, args, kwargs); err != nil {
		return nil, err
	}
	return starlark.String(t.CSV()), nil
}

// compareValues orders None first, then numbers, then everything else by
// Starlark comparison or, failing that, by type and text.
func compareValues(a, b starlark.Value) int {
	switch {
	case a == starlark.None && b == starlark.None:
		return 0
	case a == starlark.None:
		return -1
	case b == starlark.None:
		return 1
	}
	fa, aNum := asNumber(a)
	fb, bNum := asNumber(b)
	switch {
	case aNum && bNum:
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case aNum:
		return -1
	case bNum:
		return 1
	}
	if lt, err := starlark.Compare(syntax.LT, a, b); err == nil {
		if lt {
			return -1
		}
		if gt, _ := starlark.Compare(syntax.GT, a, b); gt {
			return 1
		}
		return 0
	}
	return strings.Compare(a.Type()+a.String(), b.Type()+b.String())
}

func asNumber(v starlark.Value) (float64, bool) {
	switch v.(type) {
	case starlark.Int, starlark.Float:
		return starlark.AsFloat(v)
	}
	return 0, false
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
