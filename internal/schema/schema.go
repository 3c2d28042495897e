// Package schema derives and checks the small JSON Schema subset used for
// tool parameters: object properties, required fields, primitive types and
// enums.
package schema

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// ValidationError reports the first argument that does not satisfy a schema.
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// FromStruct builds an object schema from a struct's exported fields. Field
// names follow json tags; fields without omitempty that are not pointers are
// required. A description tag becomes the property description and an enum
// tag (comma separated) becomes the property enum.
func FromStruct(v any) map[string]any {
	t := reflect.TypeOf(v)
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}

	properties := make(map[string]any)
	var required []string

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}

		name := field.Name
		if n, _, _ := strings.Cut(tag, ","); n != "" {
			name = n
		}

		prop := map[string]any{"type": jsonType(field.Type)}
		if d := field.Tag.Get("description"); d != "" {
			prop["description"] = d
		}
		if e := field.Tag.Get("enum"); e != "" {
			prop["enum"] = strings.Split(e, ",")
		}
		properties[name] = prop

		if !hasOmitEmpty(tag) && field.Type.Kind() != reflect.Ptr {
			required = append(required, name)
		}
	}

	out := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

// Validate checks args against s. Unknown fields are allowed.
func Validate(args map[string]any, s map[string]any) error {
	for _, name := range Required(s) {
		if v, ok := args[name]; !ok || v == nil {
			return &ValidationError{Field: name, Message: "required field is missing"}
		}
	}

	properties, _ := s["properties"].(map[string]any)
	for name, value := range args {
		prop, ok := properties[name].(map[string]any)
		if !ok {
			continue
		}

		expected, _ := prop["type"].(string)
		if !validType(value, expected) {
			return &ValidationError{
				Field:   name,
				Value:   value,
				Message: fmt.Sprintf("expected type %s, got %T", expected, value),
			}
		}

		if enum := stringList(prop["enum"]); len(enum) > 0 {
			if sv, ok := value.(string); !ok || !slices.Contains(enum, sv) {
				return &ValidationError{
					Field:   name,
					Value:   value,
					Message: fmt.Sprintf("must be one of %s", strings.Join(enum, ", ")),
				}
			}
		}
	}

	return nil
}

// Required returns the schema's required field names. Both []string (Go
// literals) and []any (decoded JSON) are accepted.
func Required(s map[string]any) []string {
	return stringList(s["required"])
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func jsonType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Ptr:
		return jsonType(t.Elem())
	default:
		return "string"
	}
}

func hasOmitEmpty(tag string) bool {
	parts := strings.Split(tag, ",")
	for _, part := range parts[1:] {
		if strings.TrimSpace(part) == "omitempty" {
			return true
		}
	}
	return false
}

func validType(value any, expected string) bool {
	if value == nil {
		return true
	}

	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		switch v := value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "number":
		switch value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		return reflect.TypeOf(value).Kind() == reflect.Slice
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}
