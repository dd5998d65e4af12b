package core

import (
	"encoding/json"
	"fmt"
)

// MessageRole is the author of a ModelMessage.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message part types.
const (
	MessagePartText       = "text"
	MessagePartReasoning  = "reasoning"
	MessagePartToolCall   = "tool-call"
	MessagePartToolResult = "tool-result"
)

// MessagePart is one segment of a ModelMessage.
type MessagePart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	Input      any    `json:"input,omitempty"`
	Output     any    `json:"output,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

// ModelMessage is the provider-neutral history format handed to reactors.
type ModelMessage struct {
	Role    MessageRole   `json:"role"`
	Content []MessagePart `json:"content"`
}

// Text concatenates the text segments of m.
func (m ModelMessage) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Type == MessagePartText {
			out += p.Text
		}
	}
	return out
}

// ItemsToModelMessages converts a timeline into model history. Input items
// become user messages, system markers become system messages and assistant
// items become an assistant message followed by a tool message carrying the
// settled results of its tool parts. Item order is preserved.
func ItemsToModelMessages(items []Item) []ModelMessage {
	out := make([]ModelMessage, 0, len(items))
	for _, item := range items {
		out = append(out, ItemToModelMessages(item)...)
	}
	return out
}

// ItemToModelMessages converts a single item.
func ItemToModelMessages(item Item) []ModelMessage {
	switch item.Type {
	case ItemTypeOutputText:
		return assistantMessages(item.Content.Parts)
	case ItemTypeSystem:
		if text := TextOf(item.Content.Parts); text != "" {
			return []ModelMessage{{Role: RoleSystem, Content: []MessagePart{{Type: MessagePartText, Text: text}}}}
		}
		return nil
	default:
		var content []MessagePart
		for _, p := range item.Content.Parts {
			if text := inputText(p); text != "" {
				content = append(content, MessagePart{Type: MessagePartText, Text: text})
			}
		}
		if len(content) == 0 {
			return nil
		}
		return []ModelMessage{{Role: RoleUser, Content: content}}
	}
}

func inputText(p Part) string {
	switch p.Type() {
	case "text":
		return p.Text()
	case "input_text":
		if t := p.String("input_text"); t != "" {
			return t
		}
		return p.Text()
	}
	return ""
}

func assistantMessages(parts []Part) []ModelMessage {
	var assistant []MessagePart
	var results []MessagePart
	for _, p := range parts {
		switch {
		case p.Type() == "text":
			if p.Text() != "" {
				assistant = append(assistant, MessagePart{Type: MessagePartText, Text: p.Text()})
			}
		case p.Type() == "reasoning":
			if p.Text() != "" {
				assistant = append(assistant, MessagePart{Type: MessagePartReasoning, Text: p.Text()})
			}
		case p.IsTool():
			callID := p.String("toolCallId")
			if callID == "" {
				continue
			}
			assistant = append(assistant, MessagePart{
				Type:       MessagePartToolCall,
				ToolCallID: callID,
				ToolName:   p.ToolName(),
				Input:      p["input"],
			})
			switch p.String("state") {
			case ToolStateOutputAvailable:
				results = append(results, MessagePart{
					Type:       MessagePartToolResult,
					ToolCallID: callID,
					ToolName:   p.ToolName(),
					Output:     p["output"],
				})
			case ToolStateOutputError:
				results = append(results, MessagePart{
					Type:       MessagePartToolResult,
					ToolCallID: callID,
					ToolName:   p.ToolName(),
					Output:     p.String("errorText"),
					IsError:    true,
				})
			}
		}
	}
	var out []ModelMessage
	if len(assistant) > 0 {
		out = append(out, ModelMessage{Role: RoleAssistant, Content: assistant})
	}
	if len(results) > 0 {
		out = append(out, ModelMessage{Role: RoleTool, Content: results})
	}
	return out
}

// Stringify renders a tool output for providers that only accept text.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
