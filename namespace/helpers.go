package namespace

import (
	"fmt"
	"sort"

	"go.starlark.net/lib/json"
	"go.starlark.net/starlark"
)

// Artifact kinds produced by upload_result.
const (
	ArtifactTable = "table"
	ArtifactJSON  = "json"
	ArtifactText  = "text"
)

func bindFetchData(b *binding) (starlark.Value, error) {
	return starlark.NewBuiltin("fetch_data", func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path); err != nil {
			return nil, err
		}
		data, err := b.host.Fetch(path)
		if err != nil {
			return nil, &HelperError{Helper: fn.Name(), Path: path, Err: err}
		}
		t, err := ParseCSV(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", fn.Name(), path, err)
		}
		return t, nil
	}), nil
}

func bindFetchJSON(b *binding) (starlark.Value, error) {
	decode := json.Module.Members["decode"]
	return starlark.NewBuiltin("fetch_json", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path); err != nil {
			return nil, err
		}
		data, err := b.host.Fetch(path)
		if err != nil {
			return nil, &HelperError{Helper: fn.Name(), Path: path, Err: err}
		}
		return starlark.Call(thread, decode, starlark.Tuple{starlark.String(data)}, nil)
	}), nil
}

func bindFetchText(b *binding) (starlark.Value, error) {
	return starlark.NewBuiltin("fetch_text", func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path); err != nil {
			return nil, err
		}
		data, err := b.host.Fetch(path)
		if err != nil {
			return nil, &HelperError{Helper: fn.Name(), Path: path, Err: err}
		}
		return starlark.String(data), nil
	}), nil
}

func bindUploadResult(b *binding) (starlark.Value, error) {
	return starlark.NewBuiltin("upload_result", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			path   string
			value  starlark.Value
			format string
		)
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path, "value", &value, "format?", &format); err != nil {
			return nil, err
		}

		kind, contentType, data, err := serialize(thread, value, format)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}

		desc, err := b.host.Upload(path, kind, contentType, data)
		if err != nil {
			return nil, &HelperError{Helper: fn.Name(), Path: path, Err: err}
		}

		d := starlark.NewDict(3)
		_ = d.SetKey(starlark.String("kind"), starlark.String(desc.Kind))
		_ = d.SetKey(starlark.String("name"), starlark.String(desc.Name))
		_ = d.SetKey(starlark.String("locator"), starlark.String(desc.Locator))
		return d, nil
	}), nil
}

// serialize picks the artifact encoding for value. Tables default to CSV,
// strings are stored as text and everything else as JSON.
func serialize(thread *starlark.Thread, value starlark.Value, format string) (kind, contentType string, data []byte, err error) {
	switch format {
	case "", "csv", "json", "text":
	default:
		return "", "", nil, fmt.Errorf("unsupported format %q (want csv, json or text)", format)
	}

	switch v := value.(type) {
	case *Table:
		switch format {
		case "", "csv":
			return ArtifactTable, "text/csv", []byte(v.CSV()), nil
		case "json":
			value = v.records()
		default:
			return "", "", nil, fmt.Errorf("a table cannot be stored as %s", format)
		}
	case starlark.String:
		if format == "" || format == "text" {
			return ArtifactText, "text/plain; charset=utf-8", []byte(v), nil
		}
	}

	if format == "csv" || format == "text" {
		return "", "", nil, fmt.Errorf("a %s cannot be stored as %s", value.Type(), format)
	}

	encoded, err := starlark.Call(thread, json.Module.Members["encode"], starlark.Tuple{value}, nil)
	if err != nil {
		return "", "", nil, err
	}
	s, _ := starlark.AsString(encoded)
	return ArtifactJSON, "application/json", []byte(s), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
