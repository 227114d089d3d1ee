// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"math"
	"sort"

	"go.starlark.net/starlark"
)

// maxExactFloatInt is the largest integer a float64 represents exactly.
// JSON numbers decode as float64; integral values inside this range are
// handed to scripts as ints so they work with indexing and range().
const maxExactFloatInt = 1 << 53

// toStarlark converts a decoded JSON value into its Starlark equivalent.
func toStarlark(value any) (starlark.Value, error) {
	switch v := value.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(v), nil
	case string:
		return starlark.String(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) <= maxExactFloatInt {
			return starlark.MakeInt64(int64(v)), nil
		}
		return starlark.Float(v), nil
	case []any:
		elems := make([]starlark.Value, len(v))
		for i, item := range v {
			converted, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			elems[i] = converted
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(v))
		for _, key := range keys {
			converted, err := toStarlark(v[key])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(key), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("cannot convert %T into a sandbox value", value)
	}
}

// fromStarlark converts a Starlark value back into a plain JSON value.
func fromStarlark(value starlark.Value) (any, error) {
	switch v := value.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.String:
		return string(v), nil
	case starlark.Int:
		i, ok := v.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s does not fit in 64 bits", v.String())
		}
		return i, nil
	case starlark.Float:
		return float64(v), nil
	case *starlark.List:
		return fromSequence(v.Len(), v.Iterate())
	case starlark.Tuple:
		return fromSequence(v.Len(), v.Iterate())
	case *starlark.Set:
		return fromSequence(v.Len(), v.Iterate())
	case *starlark.Dict:
		out := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0].String())
			}
			converted, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			out[key] = converted
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot convert %s into a JSON value", value.Type())
	}
}

func fromSequence(n int, iter starlark.Iterator) ([]any, error) {
	defer iter.Done()

	out := make([]any, 0, n)
	var elem starlark.Value
	for iter.Next(&elem) {
		converted, err := fromStarlark(elem)
		if err != nil {
			return nil, err
		}
		out = append(out, converted)
	}
	return out, nil
}

// callArgs normalizes the two supported calling conventions for tool
// bindings: a single positional dict, or plain keyword arguments. Both
// produce the argument object forwarded to the remote tool.
func callArgs(name string, args starlark.Tuple, kwargs []starlark.Tuple) (map[string]any, error) {
	if len(args) > 1 {
		return nil, fmt.Errorf("%s: expected at most one positional argument, got %d", name, len(args))
	}

	if len(args) == 1 {
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("%s: pass arguments either as one dict or as keyword arguments, not both", name)
		}
		dict, ok := args[0].(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("%s: positional argument must be a dict, got %s", name, args[0].Type())
		}
		value, err := fromStarlark(dict)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return value.(map[string]any), nil
	}

	out := make(map[string]any, len(kwargs))
	for _, kv := range kwargs {
		key, ok := starlark.AsString(kv[0])
		if !ok {
			return nil, fmt.Errorf("%s: keyword %s is not a string", name, kv[0].String())
		}
		value, err := fromStarlark(kv[1])
		if err != nil {
			return nil, fmt.Errorf("%s: argument %q: %w", name, key, err)
		}
		out[key] = value
	}
	return out, nil
}
