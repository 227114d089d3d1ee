// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package schema derives JSON Schemas for meta-tool inputs from Go
// structs, and decodes untyped request arguments back into them.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// GenerateSchema builds a JSON Schema for T's fields. Field names come
// from json tags, descriptions from `description` tags, and a field
// tagged omitempty is left out of the required list.
func GenerateSchema[T any]() map[string]any {
	var zero T
	return typeSchema(reflect.TypeOf(zero))
}

// Translate converts untyped request arguments into T by round-tripping
// through JSON.
func Translate[T any](args any) (T, error) {
	var out T

	data, err := json.Marshal(args)
	if err != nil {
		return out, fmt.Errorf("cannot encode arguments: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("cannot decode arguments into %T: %w", out, err)
	}
	return out, nil
}

func typeSchema(t reflect.Type) map[string]any {
	if t == nil {
		return map[string]any{"type": "object"}
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.Struct:
		return structSchema(t)
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Slice, reflect.Array:
		return map[string]any{
			"type":  "array",
			"items": typeSchema(t.Elem()),
		}
	default:
		// Maps, interfaces, and anything else without a finer shape.
		return map[string]any{"type": "object"}
	}
}

func structSchema(t reflect.Type) map[string]any {
	properties := make(map[string]any, t.NumField())
	var required []string

	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, optional := splitJSONTag(tag)
		if name == "" {
			name = field.Name
		}

		fieldSchema := typeSchema(field.Type)
		if desc := field.Tag.Get("description"); desc != "" {
			fieldSchema["description"] = desc
		}
		properties[name] = fieldSchema

		if !optional {
			required = append(required, name)
		}
	}

	out := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func splitJSONTag(tag string) (name string, optional bool) {
	name, opts, _ := strings.Cut(tag, ",")
	for opts != "" {
		var opt string
		opt, opts, _ = strings.Cut(opts, ",")
		if opt == "omitempty" {
			optional = true
		}
	}
	return name, optional
}
