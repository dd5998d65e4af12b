package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/threadmesh/core"
)

// ScriptedStep is one canned reaction. Either the static fields or Func is
// used; Func wins when set.
type ScriptedStep struct {
	AssistantItem    *core.Item
	ToolCalls        []core.ToolCall
	MessagesForModel []core.ModelMessage
	LLM              *LLMUsage
	Err              error

	Func func(ctx context.Context, in Input) (ScriptedStep, error)
}

// Reply is a ScriptedStep answering with a single text part.
func Reply(text string) ScriptedStep {
	return ScriptedStep{AssistantItem: &core.Item{Content: core.ItemContent{Parts: []core.Part{core.NewTextPart(text)}}}}
}

// CallAction is a ScriptedStep whose reaction requests one action call.
func CallAction(toolCallID, name string, input map[string]any) ScriptedStep {
	return ScriptedStep{
		AssistantItem: &core.Item{Content: core.ItemContent{Parts: []core.Part{core.NewToolPart(name, toolCallID, input)}}},
		ToolCalls:     []core.ToolCall{{ToolCallID: toolCallID, ToolName: name, Input: input}},
	}
}

// Fail is a ScriptedStep that returns err.
func Fail(err error) ScriptedStep { return ScriptedStep{Err: err} }

// ScriptedOptions configure a Scripted reactor.
type ScriptedOptions struct {
	// RepeatLast reuses the final step once the script is exhausted.
	RepeatLast bool
}

// Scripted replays steps in call order without any model dependency.
type Scripted struct {
	mu    sync.Mutex
	steps []ScriptedStep
	index int
	opts  ScriptedOptions
}

var _ Reactor = (*Scripted)(nil)

// NewScripted returns an error for an empty script.
func NewScripted(steps []ScriptedStep, optFns ...func(o *ScriptedOptions)) (*Scripted, error) {
	if len(steps) == 0 {
		return nil, errors.New("scripted reactor: steps must contain at least one step")
	}
	opts := ScriptedOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Scripted{steps: append([]ScriptedStep(nil), steps...), opts: opts}, nil
}

// MustScripted is NewScripted for static scripts in tests and examples.
func MustScripted(steps ...ScriptedStep) *Scripted {
	s, err := NewScripted(steps)
	if err != nil {
		panic(err)
	}
	return s
}

// Calls returns how many script entries were consumed.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// React implements Reactor.
func (s *Scripted) React(ctx context.Context, in Input) (*Output, error) {
	s.mu.Lock()
	hasCurrent := s.index < len(s.steps)
	if !hasCurrent && !s.opts.RepeatLast {
		idx := s.index
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: no step at index %d (steps=%d)", core.ErrScriptExhausted, idx, len(s.steps))
	}
	stepIndex := len(s.steps) - 1
	if hasCurrent {
		stepIndex = s.index
		s.index++
	}
	step := s.steps[stepIndex]
	s.mu.Unlock()

	if step.Func != nil {
		dynamic, err := step.Func(ctx, in)
		if err != nil {
			return nil, err
		}
		step = dynamic
	}
	if step.Err != nil {
		return nil, step.Err
	}

	var item core.Item
	if step.AssistantItem != nil {
		item = step.AssistantItem.Clone()
	}
	toolCalls := step.ToolCalls
	if toolCalls == nil {
		toolCalls = []core.ToolCall{}
	}
	messages := step.MessagesForModel
	if messages == nil {
		messages = []core.ModelMessage{}
	}

	return &Output{
		AssistantItem:    NormalizeAssistantItem(in, item),
		ToolCalls:        toolCalls,
		MessagesForModel: messages,
		LLM:              step.LLM,
	}, nil
}
