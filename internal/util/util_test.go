package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleSchema struct {
	A string `json:"a" description:"Field A"`
	B *int   `json:"b" description:"Optional pointer field"`
	C int    `json:"c,omitempty" description:"Omit empty field"`
}

func TestCreateSchema(t *testing.T) {
	schema := CreateSchema(sampleSchema{})
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "a")
	assert.Contains(t, props, "b")
	assert.Contains(t, props, "c")
	assert.Equal(t, []string{"a"}, schema["required"])
}

func TestValidateParameters(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"x": map[string]any{"type": "integer"},
		},
		"required": []any{"x"},
	}

	assert.NoError(t, ValidateParameters(map[string]any{"x": float64(5)}, schema))

	err := ValidateParameters(map[string]any{}, schema)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "x", vErr.Field)

	err = ValidateParameters(map[string]any{"x": "not-int"}, schema)
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Message, "expected type integer")
}

func TestValidateParameters_StringRequired(t *testing.T) {
	schema := CreateSchema(sampleSchema{})
	err := ValidateParameters(map[string]any{"c": float64(1)}, schema)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "a", vErr.Field)
}

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)

	out, err = RenderTemplate(`Hello {{ .name | upper }} <{{ default "none" .missing }}>`, map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "Hello ADA <none>", out)

	_, err = RenderTemplate("{{ .broken", nil)
	assert.Error(t, err)
}

type refundInput struct {
	OrderID  string   `json:"order_id"`
	Reason   string   `json:"reason" enum:"damaged,late,other"`
	Items    []string `json:"items,omitempty"`
	Customer struct {
		Email string `json:"email"`
	} `json:"customer"`
}

func TestCreateSchema_Nested(t *testing.T) {
	schema := CreateSchema(&refundInput{})
	assert.Equal(t, []string{"order_id", "reason", "customer"}, schema["required"])

	props := schema["properties"].(map[string]any)
	assert.Equal(t, []string{"damaged", "late", "other"}, props["reason"].(map[string]any)["enum"])
	assert.Equal(t, map[string]any{"type": "string"}, props["items"].(map[string]any)["items"])

	customer := props["customer"].(map[string]any)
	assert.Equal(t, "object", customer["type"])
	assert.Equal(t, []string{"email"}, customer["required"])
}

func TestValidateParameters_Paths(t *testing.T) {
	schema := CreateSchema(refundInput{})
	valid := map[string]any{
		"order_id": "o-1",
		"reason":   "late",
		"items":    []any{"a", "b"},
		"customer": map[string]any{"email": "x@example.com"},
	}
	require.NoError(t, ValidateParameters(valid, schema))

	tests := []struct {
		name  string
		patch func(map[string]any)
		field string
	}{
		{"enum", func(m map[string]any) { m["reason"] = "bored" }, "reason"},
		{"nested required", func(m map[string]any) { m["customer"] = map[string]any{} }, "customer.email"},
		{"array item", func(m map[string]any) { m["items"] = []any{"a", float64(2)} }, "items[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := map[string]any{}
			for k, v := range valid {
				in[k] = v
			}
			tt.patch(in)

			var vErr *ValidationError
			require.ErrorAs(t, ValidateParameters(in, schema), &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestRenderTemplate_Cached(t *testing.T) {
	tpl := `{{ .user | title }}: {{ join ", " .tags }}`
	for range 2 {
		out, err := RenderTemplate(tpl, map[string]any{"user": "aDA", "tags": []any{"vip", 1}})
		require.NoError(t, err)
		assert.Equal(t, "Ada: vip, 1", out)
	}
	_, ok := promptCache.Load(tpl)
	assert.True(t, ok)
}
