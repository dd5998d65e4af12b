package core

import "strings"

// Part is one normalized segment of an item's content: a text span, a
// reasoning span, a tool invocation or any provider specific payload. Parts
// are free-form JSON objects discriminated by their "type" field; tool
// invocations use the form "tool-<name>".
type Part map[string]any

// Tool part states.
const (
	ToolStateInputAvailable  = "input-available"
	ToolStateOutputAvailable = "output-available"
	ToolStateOutputError     = "output-error"
)

const toolPartPrefix = "tool-"

// NewTextPart returns a text part.
func NewTextPart(text string) Part {
	return Part{"type": "text", "text": text}
}

// NewReasoningPart returns a reasoning part.
func NewReasoningPart(text string) Part {
	return Part{"type": "reasoning", "text": text}
}

// NewToolPart returns a tool invocation part awaiting execution.
func NewToolPart(toolName, toolCallID string, input any) Part {
	return Part{
		"type":       toolPartPrefix + toolName,
		"toolCallId": toolCallID,
		"state":      ToolStateInputAvailable,
		"input":      input,
	}
}

// Type returns the part discriminator or "" when absent.
func (p Part) Type() string { return p.String("type") }

// String returns the string stored under key or "".
func (p Part) String(key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

// Text returns the textual payload of text-like parts.
func (p Part) Text() string { return p.String("text") }

// IsTool reports whether p is a tool invocation part.
func (p Part) IsTool() bool { return strings.HasPrefix(p.Type(), toolPartPrefix) }

// ToolName returns the tool name encoded in the part type: everything after
// the first "-".
func (p Part) ToolName() string {
	if !p.IsTool() {
		return ""
	}
	return strings.TrimPrefix(p.Type(), toolPartPrefix)
}

// Clone returns a shallow copy of p.
func (p Part) Clone() Part {
	if p == nil {
		return nil
	}
	out := make(Part, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// CloneParts shallow-copies every part in parts.
func CloneParts(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	for i, p := range parts {
		out[i] = p.Clone()
	}
	return out
}

// TextOf concatenates the text of all text parts.
func TextOf(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Type() == "text" {
			b.WriteString(p.Text())
		}
	}
	return b.String()
}
