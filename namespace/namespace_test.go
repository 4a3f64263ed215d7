package namespace

import (
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/isdmx/databox/artifact"
)

type upload struct {
	path, kind, contentType string
	data                    []byte
}

type fakeHost struct {
	files   map[string][]byte
	uploads []upload
	err     error
}

func (h *fakeHost) Fetch(path string) ([]byte, error) {
	if h.err != nil {
		return nil, h.err
	}
	data, ok := h.files[path]
	if !ok {
		return nil, fmt.Errorf("artifact store fetch %q: status 404", path)
	}
	return data, nil
}

func (h *fakeHost) Upload(path, kind, contentType string, data []byte) (artifact.Descriptor, error) {
	if h.err != nil {
		return artifact.Descriptor{}, h.err
	}
	h.uploads = append(h.uploads, upload{path, kind, contentType, data})
	return artifact.Descriptor{Kind: kind, Name: path, Locator: "out/" + path}, nil
}

var testOptions = &syntax.FileOptions{Set: true, While: true, TopLevelControl: true, GlobalReassign: true}

func fixedClock() time.Time { return time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC) }

func run(t *testing.T, host Host, src string) (starlark.StringDict, string, error) {
	t.Helper()
	ec, err := NewBuilder(Default(), WithClock(fixedClock)).Build(map[string]string{"input_location": "in", "output_location": "out"})
	require.NoError(t, err)
	predeclared, err := ec.Bind(Default(), host)
	require.NoError(t, err)

	var printed string
	thread := &starlark.Thread{Name: "test", Print: func(_ *starlark.Thread, msg string) { printed += msg + "\n" }}
	globals, err := starlark.ExecFileOptions(testOptions, thread, "submission.star", src, predeclared)
	return globals, printed, err
}

func TestCatalogLockStep(t *testing.T) {
	catalog := Default()
	ec, err := NewBuilder(catalog).Build(nil)
	require.NoError(t, err)

	bound, err := ec.Bind(catalog, &fakeHost{})
	require.NoError(t, err)

	names := bound.Keys()
	sort.Strings(names)
	assert.Equal(t, catalog.Names(), names, "every allowed name is bound and every bound name is allowed")

	for _, c := range catalog.Capabilities() {
		if c.Kind != KindLibrary {
			assert.Empty(t, c.Members, c.Name)
			continue
		}
		module, ok := bound[c.Name].(*starlarkstruct.Module)
		require.True(t, ok, c.Name)
		assert.ElementsMatch(t, c.Members, module.AttrNames(), "members of %s", c.Name)
		for _, m := range c.Members {
			assert.True(t, catalog.HasMember(c.Name, m))
		}
	}
}

func TestCatalogExcludesDangerousBuiltins(t *testing.T) {
	catalog := Default()
	for _, name := range []string{"getattr", "hasattr", "dir", "load", "eval", "exec", "open", "hash"} {
		assert.False(t, catalog.Has(name), name)
	}
	assert.False(t, catalog.HasMember("time", "now"))
	assert.True(t, catalog.IsLibrary("stats"))
	assert.False(t, catalog.IsLibrary("fetch_data"))
}

func TestBindUnknownCapability(t *testing.T) {
	ec := ExecutionContext{Capabilities: []string{"print", "subprocess"}}
	_, err := ec.Bind(Default(), &fakeHost{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown capability "subprocess"`)
}

func TestBuilder(t *testing.T) {
	t.Run("CopiesBagAndDefaultsToday", func(t *testing.T) {
		bag := map[string]string{"input_location": "runs/7"}
		ec, err := NewBuilder(Default(), WithClock(fixedClock)).Build(bag)
		require.NoError(t, err)

		bag["input_location"] = "mutated"
		assert.Equal(t, "runs/7", ec.InputLocation())
		assert.Equal(t, "", ec.OutputLocation())
		assert.Equal(t, "2026-03-14", ec.Today)
		assert.Equal(t, Default().Names(), ec.Capabilities)
	})

	t.Run("TodayFromContext", func(t *testing.T) {
		ec, err := NewBuilder(Default()).Build(map[string]string{"today": "2025-01-02"})
		require.NoError(t, err)
		assert.Equal(t, "2025-01-02", ec.Today)
	})

	t.Run("InvalidToday", func(t *testing.T) {
		_, err := NewBuilder(Default()).Build(map[string]string{"today": "yesterday"})
		require.Error(t, err)
	})

	t.Run("TooLarge", func(t *testing.T) {
		_, err := NewBuilder(Default(), WithMaxContextBytes(8)).Build(map[string]string{"key": "a long value"})
		require.ErrorIs(t, err, ErrContextTooLarge)
	})

	t.Run("FreshValuesPerBuild", func(t *testing.T) {
		b := NewBuilder(Default())
		first, err := b.Build(map[string]string{"a": "1"})
		require.NoError(t, err)
		second, err := b.Build(map[string]string{"a": "2"})
		require.NoError(t, err)
		assert.Equal(t, "1", first.Values["a"])
		assert.Equal(t, "2", second.Values["a"])
	})
}

const salesCSV = "region,amount,units\nnorth,10.5,1\nsouth,20,2\nnorth,30,3\neast,,4\n"

func TestHelpers(t *testing.T) {
	t.Run("FetchDescribeUpload", func(t *testing.T) {
		host := &fakeHost{files: map[string][]byte{"sales.csv": []byte(salesCSV)}}
		globals, _, err := run(t, host, "df = fetch_data('sales.csv')\nd = upload_result('out.csv', df.describe())\n")
		require.NoError(t, err)

		require.Len(t, host.uploads, 1)
		up := host.uploads[0]
		assert.Equal(t, "out.csv", up.path)
		assert.Equal(t, ArtifactTable, up.kind)
		assert.Equal(t, "text/csv", up.contentType)
		assert.Contains(t, string(up.data), "statistic,amount,units\ncount,3,4\n")

		desc := globals["d"].(*starlark.Dict)
		name, _, _ := desc.Get(starlark.String("name"))
		assert.Equal(t, starlark.String("out.csv"), name)
	})

	t.Run("UploadJSONAndText", func(t *testing.T) {
		host := &fakeHost{}
		_, _, err := run(t, host, "upload_result('a.json', {'n': 1})\nupload_result('b.txt', 'hi')\nupload_result('c.json', table.from_rows(['x'], [[1]]), format='json')\n")
		require.NoError(t, err)

		require.Len(t, host.uploads, 3)
		assert.Equal(t, ArtifactJSON, host.uploads[0].kind)
		assert.JSONEq(t, `{"n":1}`, string(host.uploads[0].data))
		assert.Equal(t, ArtifactText, host.uploads[1].kind)
		assert.Equal(t, "hi", string(host.uploads[1].data))
		assert.JSONEq(t, `[{"x":1}]`, string(host.uploads[2].data))
	})

	t.Run("UnsupportedFormat", func(t *testing.T) {
		_, _, err := run(t, &fakeHost{}, "upload_result('a', {'n': 1}, format='csv')\n")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot be stored as csv")
	})

	t.Run("FetchJSONAndText", func(t *testing.T) {
		host := &fakeHost{files: map[string][]byte{"cfg.json": []byte(`{"k": [1, 2]}`), "note.txt": []byte("hello")}}
		globals, _, err := run(t, host, "k = fetch_json('cfg.json')['k']\nn = fetch_text('note.txt')\n")
		require.NoError(t, err)
		assert.Equal(t, "[1, 2]", globals["k"].String())
		assert.Equal(t, starlark.String("hello"), globals["n"])
	})

	t.Run("StoreFailureIsHelperError", func(t *testing.T) {
		host := &fakeHost{err: errors.New("path traversal rejected")}
		_, _, err := run(t, host, "fetch_data('../secret.csv')\n")
		require.Error(t, err)

		var helperErr *HelperError
		require.ErrorAs(t, err, &helperErr)
		assert.Equal(t, "fetch_data", helperErr.Helper)
		assert.Equal(t, "../secret.csv", helperErr.Path)
		assert.Contains(t, err.Error(), ExceptionType)
	})

	t.Run("ContextIsReadOnly", func(t *testing.T) {
		globals, _, err := run(t, &fakeHost{}, "loc = context['input_location']\nd = today\n")
		require.NoError(t, err)
		assert.Equal(t, starlark.String("in"), globals["loc"])
		assert.Equal(t, starlark.String("2026-03-14"), globals["d"])

		_, _, err = run(t, &fakeHost{}, "context['input_location'] = 'elsewhere'\n")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "frozen")
	})

	t.Run("RestrictedLibraryMember", func(t *testing.T) {
		_, _, err := run(t, &fakeHost{}, "time.now()\n")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no .now field or method")
	})
}

func TestTable(t *testing.T) {
	host := &fakeHost{files: map[string][]byte{"sales.csv": []byte(salesCSV)}}

	tests := []struct {
		name string
		src  string
		want string
	}{
		{"Columns", "r = fetch_data('sales.csv').columns", `["region", "amount", "units"]`},
		{"NumRows", "r = fetch_data('sales.csv').num_rows", "4"},
		{"Len", "r = len(fetch_data('sales.csv'))", "4"},
		{"Head", "r = fetch_data('sales.csv').head(2).column('region')", `["north", "south"]`},
		{"Tail", "r = fetch_data('sales.csv').tail(1).column('units')", "[4]"},
		{"Select", "r = fetch_data('sales.csv').select('units', 'region').columns", `["units", "region"]`},
		{"SortBy", "r = fetch_data('sales.csv').sort_by('amount', reverse=True).column('amount')", "[30, 20, 10.5, None]"},
		{"Filter", "r = fetch_data('sales.csv').filter(lambda row: row['units'] > 2).column('units')", "[3, 4]"},
		{"GroupBySum", "r = fetch_data('sales.csv').group_by('region', 'units').rows()", `[{"region": "north", "units_sum": 4.0}, {"region": "south", "units_sum": 2.0}, {"region": "east", "units_sum": 4.0}]`},
		{"GroupByCount", "r = fetch_data('sales.csv').group_by('region', agg='count').column('count')", "[2, 1, 1]"},
		{"Iterate", "r = [row['units'] for row in fetch_data('sales.csv')]", "[1, 2, 3, 4]"},
		{"FromDicts", "r = table.from_dicts([{'a': 1}, {'b': 2}]).to_csv()", `"a,b\n1,\n,2\n"`},
		{"StatsMean", "r = stats.mean([1, 2, 3, None])", "2.0"},
		{"StatsMedian", "r = stats.median([4, 1, 3, 2])", "2.5"},
		{"StatsSum", "r = stats.sum(fetch_data('sales.csv').column('units'))", "10.0"},
		{"StatsCorrelation", "r = stats.correlation([1, 2, 3], [2, 4, 6]) > 0.999", "True"},
		{"StatsQuantileBounds", "r = [stats.quantile([3, 1, 2], 0), stats.quantile([3, 1, 2], 1)]", "[1.0, 3.0]"},
		{"StatsQuantileFloat", "r = stats.quantile([1, 2, 3, 4, 5], 0.5)", "2.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			globals, _, err := run(t, host, tt.src+"\n")
			require.NoError(t, err)
			assert.Equal(t, tt.want, globals["r"].String())
		})
	}

	t.Run("UnknownColumn", func(t *testing.T) {
		_, _, err := run(t, host, "fetch_data('sales.csv').column('price')\n")
		require.Error(t, err)
		assert.Contains(t, err.Error(), `no column "price"`)
	})

	t.Run("PrintPreview", func(t *testing.T) {
		_, printed, err := run(t, host, "print(fetch_data('sales.csv').head(1))\n")
		require.NoError(t, err)
		assert.Equal(t, "region\tamount\tunits\nnorth\t10.5\t1\n[1 rows x 3 columns]\n", printed)
	})

	t.Run("StatsEmpty", func(t *testing.T) {
		_, _, err := run(t, host, "stats.mean([])\n")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty sequence")
	})
}

func TestParseCSV(t *testing.T) {
	tbl, err := ParseCSV([]byte("a,b\n1,x\n2.5,\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tbl.Columns())
	assert.Equal(t, "a,b\n1,x\n2.5,\n", tbl.CSV())

	_, err = ParseCSV(nil)
	require.Error(t, err)

	_, err = ParseCSV([]byte("a,a\n1,2\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate column")
}
