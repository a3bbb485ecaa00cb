package tools

import (
	"reflect"
	"strings"
)

// Definition describes one tool as published to the realtime model. The
// parameter schema is generated from the handler's typed input record so the
// two can never drift.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// inputSchema builds a JSON-schema object from a typed input record. Field
// metadata comes from struct tags:
//
//	json:"field_name"  — wire name (required)
//	desc:"..."         — human description shown to the model
//	enum:"a|b|c"       — allowed values
//	optional:"true"    — excluded from the required list
func inputSchema(in any) map[string]any {
	t := reflect.TypeOf(in)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	props := map[string]any{}
	var required []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := strings.Split(f.Tag.Get("json"), ",")[0]
		if name == "" || name == "-" {
			continue
		}

		p := map[string]any{"type": jsonType(f.Type)}
		if d := f.Tag.Get("desc"); d != "" {
			p["description"] = d
		}
		if e := f.Tag.Get("enum"); e != "" {
			vals := strings.Split(e, "|")
			enum := make([]any, len(vals))
			for i, v := range vals {
				enum[i] = v
			}
			p["enum"] = enum
		}
		props[name] = p

		if f.Tag.Get("optional") != "true" {
			required = append(required, name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func jsonType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	default:
		return "string"
	}
}
