package util

import (
	"fmt"
	"strings"
	"sync"
	"text/template"
)

var promptFuncs = template.FuncMap{
	"default": func(fallback, v any) any {
		if v == nil || v == "" {
			return fallback
		}
		return v
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"title": func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	},
	"join": func(sep string, items []any) string {
		parts := make([]string, 0, len(items))
		for _, it := range items {
			parts = append(parts, fmt.Sprint(it))
		}
		return strings.Join(parts, sep)
	},
}

// parsed templates keyed by their source text
var promptCache sync.Map

// RenderTemplate renders a system prompt against the thread's context
// content. Text without template markers is returned unchanged.
func RenderTemplate(text string, content map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	var tmpl *template.Template
	if cached, ok := promptCache.Load(text); ok {
		tmpl = cached.(*template.Template)
	} else {
		parsed, err := template.New("system_prompt").Funcs(promptFuncs).Parse(text)
		if err != nil {
			return "", fmt.Errorf("parse system prompt: %w", err)
		}
		cached, _ := promptCache.LoadOrStore(text, parsed)
		tmpl = cached.(*template.Template)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, content); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return sb.String(), nil
}
