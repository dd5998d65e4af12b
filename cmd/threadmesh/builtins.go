package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hupe1980/threadmesh/action"
	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/engine"
	"github.com/hupe1980/threadmesh/reactor"
	"github.com/hupe1980/threadmesh/registry"
)

// builtinActions are available to every thread in the definitions file.
func builtinActions() action.Set {
	return action.NewSet(
		action.NewFunction("current_time", "Returns the current UTC time in RFC 3339 format.", nil,
			func(context.Context, action.ActionContext, map[string]any) (any, error) {
				return map[string]any{"now": time.Now().UTC().Format(time.RFC3339)}, nil
			}),
		action.NewFunction("echo", "Returns its input unchanged.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		}, func(_ context.Context, _ action.ActionContext, input map[string]any) (any, error) {
			text, _ := input["text"].(string)
			if text == "" {
				return nil, errors.New("text is required")
			}
			return map[string]any{"text": text}, nil
		}),
	)
}

// registerBuiltins adds the echo thread unless a definitions file already
// declared the key.
func registerBuiltins(reg *registry.Registry) error {
	if reg.Has("echo") {
		return nil
	}
	return reg.Register("echo", registry.Static(&engine.Definition{
		Key:  "echo",
		Name: "Echo",
		Reactor: reactor.Func(func(_ context.Context, in reactor.Input) (*reactor.Output, error) {
			text := strings.TrimSpace(core.TextOf(in.TriggerItem.Content.Parts))
			if text == "" {
				text = "(empty)"
			}
			return &reactor.Output{
				AssistantItem: core.Item{Content: core.ItemContent{Parts: []core.Part{core.NewTextPart(text)}}},
			}, nil
		}),
	}))
}
