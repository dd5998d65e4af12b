package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/threadmesh/core"
)

// ToolDefinition declaratively exposes a callable action to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function exposed to the model.
// Parameters is a JSON Schema object.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// NewToolDefinition builds a function tool definition.
func NewToolDefinition(name, description string, parameters map[string]any) ToolDefinition {
	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return ToolDefinition{
		Type:     "function",
		Function: FunctionDefinition{Name: name, Description: description, Parameters: parameters},
	}
}

// Request captures the normalized model input produced by reactors.
type Request struct {
	Model        string              `json:"model,omitempty"` // overrides the adapter default when set
	Instructions string              `json:"instructions"`
	Messages     []core.ModelMessage `json:"messages"`
	Tools        []ToolDefinition    `json:"tools,omitempty"`
	Stream       bool                `json:"stream,omitempty"`
}

// Response is a (partial or final) chunk emitted by a model.
//
// Partial responses carry a text Delta. The final response carries the
// complete assistant Parts (text and tool-<name> parts), the finish reason
// and usage when the provider reports it.
type Response struct {
	ID           string      `json:"id,omitempty"`
	Partial      bool        `json:"partial"`
	Delta        string      `json:"delta,omitempty"`
	Parts        []core.Part `json:"parts,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"` // "stop", "length", "tool_calls", etc.
	Usage        *core.Usage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required by the model-backed reactor.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// ErrNoFinalResponse is returned by Collect when the stream ends without a
// final response.
var ErrNoFinalResponse = errors.New("model returned no final response")

// Collect drains a Generate call. onDelta receives each partial text delta
// and may be nil. The final response is returned.
func Collect(ctx context.Context, m Model, req Request, onDelta func(string) error) (*Response, error) {
	out, errCh := m.Generate(ctx, req)
	var final *Response
	for out != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case resp, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			if resp.Partial {
				if onDelta != nil && resp.Delta != "" {
					if err := onDelta(resp.Delta); err != nil {
						return nil, err
					}
				}
				continue
			}
			r := resp
			final = &r
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		}
	}
	if final == nil {
		return nil, ErrNoFinalResponse
	}
	return final, nil
}

// ToolPart builds a tool-call part from provider arguments. Arguments that
// are not valid JSON objects are kept as the raw string.
func ToolPart(name, callID, args string) core.Part {
	return core.NewToolPart(name, callID, ParseArguments(args))
}

// ParseArguments decodes a JSON argument string.
func ParseArguments(args string) any {
	args = strings.TrimSpace(args)
	if args == "" {
		return map[string]any{}
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(args), &v); err != nil {
		return args
	}
	return v
}

// MockModel is a lightweight in-memory Model useful for tests and examples.
// Responses are keyed by the text of the last user message.
type MockModel struct {
	mu        sync.Mutex
	info      Info
	responses map[string][]core.Part
	requests  []Request
}

// NewMockModel constructs a MockModel with basic tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: provider, SupportsTools: true},
		responses: map[string][]core.Part{},
	}
}

// AddResponse registers a canned text completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = []core.Part{core.NewTextPart(response)}
}

// AddParts registers canned assistant parts (for example tool calls) for an input prompt.
func (m *MockModel) AddParts(prompt string, parts ...core.Part) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = core.CloneParts(parts)
}

// Requests returns the requests received so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Generate implements Model; emits optional streaming rune chunks then the final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	var prompt string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == core.RoleUser {
			prompt = req.Messages[i].Text()
			break
		}
	}
	parts, ok := m.responses[prompt]
	parts = core.CloneParts(parts)
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)
		if len(req.Messages) == 0 {
			errCh <- fmt.Errorf("no messages provided")
			return
		}
		if !ok {
			parts = []core.Part{core.NewTextPart("Mock response to: " + prompt)}
		}
		if req.Stream {
			for _, r := range core.TextOf(parts) {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Delta: string(r)}:
				}
			}
		}
		finish := "stop"
		if len(core.ExtractToolCalls(parts)) > 0 {
			finish = "tool_calls"
		}
		text := core.TextOf(parts)
		respCh <- Response{
			Parts:        parts,
			FinishReason: finish,
			Usage:        &core.Usage{PromptTokens: len(prompt), CompletionTokens: len(text), TotalTokens: len(prompt) + len(text)},
		}
	}()
	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }
