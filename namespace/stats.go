package namespace

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	statsMembers       = []string{"mean", "median", "stdev", "variance", "quantile", "min", "max", "sum", "correlation"}
	tableModuleMembers = []string{"from_rows", "from_dicts"}
)

var errEmpty = errors.New("empty sequence")

func bindStats(*binding) (starlark.Value, error) {
	unary := func(name string, fn func([]float64) (float64, error)) *starlark.Builtin {
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var xs starlark.Iterable
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "values", &xs); err != nil {
				return nil, err
			}
			data, err := toFloats(xs)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			r, err := fn(data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			return starlark.Float(r), nil
		})
	}

	members := starlark.StringDict{
		"mean":        unary("stats.mean", nonEmpty(func(x []float64) float64 { return stat.Mean(x, nil) })),
		"median":      unary("stats.median", nonEmpty(median)),
		"stdev":       unary("stats.stdev", atLeastTwo(func(x []float64) float64 { return stat.StdDev(x, nil) })),
		"variance":    unary("stats.variance", atLeastTwo(func(x []float64) float64 { return stat.Variance(x, nil) })),
		"min":         unary("stats.min", nonEmpty(floats.Min)),
		"max":         unary("stats.max", nonEmpty(floats.Max)),
		"sum":         unary("stats.sum", func(x []float64) (float64, error) { return floats.Sum(x), nil }),
		"quantile":    starlark.NewBuiltin("stats.quantile", statsQuantile),
		"correlation": starlark.NewBuiltin("stats.correlation", statsCorrelation),
	}
	return &starlarkstruct.Module{Name: "stats", Members: members}, nil
}

func statsQuantile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		xs starlark.Iterable
		pv starlark.Value
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "values", &xs, "p", &pv); err != nil {
		return nil, err
	}
	p, ok := starlark.AsFloat(pv)
	if !ok {
		return nil, fmt.Errorf("%s: for parameter p: got %s, want float or int", b.Name(), pv.Type())
	}
	if p < 0 || p > 1 || math.IsNaN(p) {
		return nil, fmt.Errorf("%s: p must be within [0, 1], got %g", b.Name(), p)
	}
	data, err := toFloats(xs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: %w", b.Name(), errEmpty)
	}
	sort.Float64s(data)
	return starlark.Float(quantile(data, p)), nil
}

func statsCorrelation(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var xs, ys starlark.Iterable
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &xs, "y", &ys); err != nil {
		return nil, err
	}
	x, err := toFloats(xs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	y, err := toFloats(ys)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if len(x) != len(y) {
		return nil, fmt.Errorf("%s: length mismatch %d != %d", b.Name(), len(x), len(y))
	}
	if len(x) < 2 {
		return nil, fmt.Errorf("%s: need at least two pairs", b.Name())
	}
	return starlark.Float(stat.Correlation(x, y, nil)), nil
}

func bindTableModule(*binding) (starlark.Value, error) {
	members := starlark.StringDict{
		"from_rows":  starlark.NewBuiltin("table.from_rows", tableFromRows),
		"from_dicts": starlark.NewBuiltin("table.from_dicts", tableFromDicts),
	}
	return &starlarkstruct.Module{Name: "table", Members: members}, nil
}

func tableFromRows(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var header, rows starlark.Iterable
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "columns", &header, "rows", &rows); err != nil {
		return nil, err
	}
	var cols []string
	for _, v := range iterate(header) {
		s, ok := starlark.AsString(v)
		if !ok {
			return nil, fmt.Errorf("%s: column names must be strings, got %s", b.Name(), v.Type())
		}
		cols = append(cols, s)
	}
	var out [][]starlark.Value
	for _, r := range iterate(rows) {
		it, ok := r.(starlark.Iterable)
		if !ok {
			return nil, fmt.Errorf("%s: each row must be a list or tuple, got %s", b.Name(), r.Type())
		}
		out = append(out, iterate(it))
	}
	t, err := NewTable(cols, out)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return t, nil
}

func tableFromDicts(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var records starlark.Iterable
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "records", &records); err != nil {
		return nil, err
	}
	var (
		cols  []string
		index = map[string]int{}
		dicts []*starlark.Dict
	)
	for _, r := range iterate(records) {
		d, ok := r.(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("%s: each record must be a dict, got %s", b.Name(), r.Type())
		}
		for _, k := range d.Keys() {
			s, ok := starlark.AsString(k)
			if !ok {
				return nil, fmt.Errorf("%s: keys must be strings, got %s", b.Name(), k.Type())
			}
			if _, seen := index[s]; !seen {
				index[s] = len(cols)
				cols = append(cols, s)
			}
		}
		dicts = append(dicts, d)
	}
	rows := make([][]starlark.Value, len(dicts))
	for i, d := range dicts {
		row := make([]starlark.Value, len(cols))
		for j, c := range cols {
			v, found, _ := d.Get(starlark.String(c))
			if !found {
				v = starlark.None
			}
			row[j] = v
		}
		rows[i] = row
	}
	return NewTable(cols, rows)
}

func iterate(it starlark.Iterable) []starlark.Value {
	var out []starlark.Value
	iter := it.Iterate()
	defer iter.Done()
	var v starlark.Value
	for iter.Next(&v) {
		out = append(out, v)
	}
	return out
}

// toFloats converts a sequence of numbers, skipping None.
func toFloats(it starlark.Iterable) ([]float64, error) {
	var out []float64
	for _, v := range iterate(it) {
		if v == starlark.None {
			continue
		}
		f, ok := asNumber(v)
		if !ok {
			return nil, fmt.Errorf("non-numeric value %s", v.String())
		}
		out = append(out, f)
	}
	return out, nil
}

func nonEmpty(fn func([]float64) float64) func([]float64) (float64, error) {
	return func(x []float64) (float64, error) {
		if len(x) == 0 {
			return 0, errEmpty
		}
		return fn(x), nil
	}
}

func atLeastTwo(fn func([]float64) float64) func([]float64) (float64, error) {
	return func(x []float64) (float64, error) {
		if len(x) < 2 {
			return 0, errors.New("need at least two values")
		}
		return fn(x), nil
	}
}

func median(x []float64) float64 {
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// quantile expects sorted, non-empty input.
func quantile(sorted []float64, p float64) float64 {
	return stat.Quantile(p, stat.LinInterp, sorted, nil)
}

// summarize returns the describe statistics in describeStats order. Values
// that are undefined for the sample size are NaN.
func summarize(x []float64) []float64 {
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	std := math.NaN()
	if len(s) > 1 {
		std = stat.StdDev(s, nil)
	}
	return []float64{
		float64(len(s)),
		stat.Mean(s, nil),
		std,
		s[0],
		quantile(s, 0.25),
		median(s),
		quantile(s, 0.75),
		s[len(s)-1],
	}
}

var aggregates = map[string]func([]float64) float64{
	"sum":    floats.Sum,
	"count":  func(x []float64) float64 { return float64(len(x)) },
	"mean":   emptyNaN(func(x []float64) float64 { return stat.Mean(x, nil) }),
	"median": emptyNaN(median),
	"min":    emptyNaN(floats.Min),
	"max":    emptyNaN(floats.Max),
}

func emptyNaN(fn func([]float64) float64) func([]float64) float64 {
	return func(x []float64) float64 {
		if len(x) == 0 {
			return math.NaN()
		}
		return fn(x)
	}
}

func floatOrNone(f float64) starlark.Value {
	if math.IsNaN(f) {
		return starlark.None
	}
	return starlark.Float(f)
}
