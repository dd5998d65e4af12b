package util

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// ValidationError reports the first action input that does not satisfy the
// action's parameter schema. Field is a dotted path for nested values.
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input %q: %s", e.Field, e.Message)
}

// CreateSchema derives an object schema from a struct value or pointer.
//
// Field names follow the json tag. A field is required unless it is a pointer
// or tagged omitempty. The description tag becomes the property description
// and a comma separated enum tag restricts string values.
func CreateSchema(structType any) map[string]any {
	t := reflect.TypeOf(structType)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return objectSchema(t, map[reflect.Type]bool{})
}

func objectSchema(t reflect.Type, seen map[reflect.Type]bool) map[string]any {
	props := map[string]any{}
	out := map[string]any{"type": "object", "properties": props}
	if seen[t] {
		return out
	}
	seen[t] = true
	defer delete(seen, t)

	var required []string
	for f := range fields(t) {
		name, omitEmpty, ok := jsonName(f)
		if !ok {
			continue
		}
		prop := typeSchema(f.Type, seen)
		if d := f.Tag.Get("description"); d != "" {
			prop["description"] = d
		}
		if e := f.Tag.Get("enum"); e != "" {
			prop["enum"] = strings.Split(e, ",")
		}
		props[name] = prop
		if !omitEmpty && f.Type.Kind() != reflect.Pointer {
			required = append(required, name)
		}
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func fields(t reflect.Type) func(yield func(reflect.StructField) bool) {
	return func(yield func(reflect.StructField) bool) {
		for i := range t.NumField() {
			if f := t.Field(i); f.IsExported() && !yield(f) {
				return
			}
		}
	}
}

// jsonName resolves the wire name of a field; ok is false for skipped fields.
func jsonName(f reflect.StructField) (name string, omitEmpty, ok bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, false
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	return name, slices.Contains(strings.Split(opts, ","), "omitempty"), true
}

func typeSchema(t reflect.Type, seen map[reflect.Type]bool) map[string]any {
	switch t.Kind() {
	case reflect.Pointer:
		return typeSchema(t.Elem(), seen)
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Slice, reflect.Array:
		return map[string]any{"type": "array", "items": typeSchema(t.Elem(), seen)}
	case reflect.Struct:
		return objectSchema(t, seen)
	case reflect.Map:
		return map[string]any{"type": "object"}
	default:
		return map[string]any{"type": "string"}
	}
}

// ValidateParameters checks action input against a parameter schema as
// produced by CreateSchema or decoded from JSON. Unknown input keys are
// accepted and a nil value satisfies any type.
func ValidateParameters(params map[string]any, schema map[string]any) error {
	return validateObject("", params, schema)
}

func validateObject(path string, params map[string]any, schema map[string]any) error {
	for _, name := range stringList(schema["required"]) {
		if _, ok := params[name]; !ok {
			return &ValidationError{Field: join(path, name), Message: "required field is missing"}
		}
	}
	props, _ := schema["properties"].(map[string]any)
	for _, name := range sortedKeys(params) {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		if err := validateValue(join(path, name), params[name], prop); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(path string, v any, schema map[string]any) error {
	if v == nil {
		return nil
	}
	want, _ := schema["type"].(string)
	if !matchesType(v, want) {
		return &ValidationError{Field: path, Value: v, Message: fmt.Sprintf("expected type %s, got %T", want, v)}
	}
	if enum := stringList(schema["enum"]); len(enum) > 0 {
		if s, ok := v.(string); ok && !slices.Contains(enum, s) {
			return &ValidationError{Field: path, Value: v, Message: "must be one of " + strings.Join(enum, ", ")}
		}
	}
	switch want {
	case "object":
		if _, nested := schema["properties"]; nested {
			return validateObject(path, v.(map[string]any), schema)
		}
	case "array":
		items, ok := schema["items"].(map[string]any)
		if !ok {
			return nil
		}
		for i, elem := range v.([]any) {
			if err := validateValue(fmt.Sprintf("%s[%d]", path, i), elem, items); err != nil {
				return err
			}
		}
	}
	return nil
}

func matchesType(v any, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "integer":
		switch n := v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			// decoded JSON numbers
			return n == float64(int64(n))
		}
		return false
	case "number":
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		}
		return false
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}

// stringList accepts []string from CreateSchema and []any from decoded JSON.
func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
