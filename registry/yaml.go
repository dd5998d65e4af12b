package registry

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/threadmesh/action"
	"github.com/hupe1980/threadmesh/engine"
	"github.com/hupe1980/threadmesh/model"
	"github.com/hupe1980/threadmesh/reactor"
)

// Reactor types understood by LoadDefinitions.
const (
	ReactorScripted = "scripted"
	ReactorModel    = "model"
)

type definitionFile struct {
	Version string           `yaml:"version"`
	Threads []definitionItem `yaml:"threads"`
}

type definitionItem struct {
	Key             string      `yaml:"key"`
	Name            string      `yaml:"name"`
	Model           string      `yaml:"model"`
	SystemPrompt    string      `yaml:"system_prompt"`
	MaxIterations   int         `yaml:"max_iterations"`
	MaxModelSteps   int         `yaml:"max_model_steps"`
	CloseOnComplete bool        `yaml:"close_on_complete"`
	Actions         []string    `yaml:"actions"`
	Reactor         reactorSpec `yaml:"reactor"`
}

type reactorSpec struct {
	Type       string         `yaml:"type"`
	Provider   string         `yaml:"provider"`
	RepeatLast bool           `yaml:"repeat_last"`
	Steps      []scriptedSpec `yaml:"steps"`
}

type scriptedSpec struct {
	Reply      string         `yaml:"reply"`
	Action     string         `yaml:"action"`
	ToolCallID string         `yaml:"tool_call_id"`
	Input      map[string]any `yaml:"input"`
	Error      string         `yaml:"error"`
}

// LoadOptions supply what YAML cannot express.
type LoadOptions struct {
	// Actions are referenced by name from a thread's actions list.
	Actions action.Set
	// Models resolve reactor type "model" by provider name.
	Models map[string]model.Model
}

// LoadFile reads thread definitions from a YAML file into r.
func LoadFile(r *Registry, path string, optFns ...func(o *LoadOptions)) error {
	clean := filepath.Clean(strings.TrimSpace(path))
	f, err := os.Open(clean)
	if err != nil {
		return fmt.Errorf("open thread definitions: %w", err)
	}
	defer f.Close()
	return LoadDefinitions(r, f, optFns...)
}

// LoadDefinitions registers every thread declared in the YAML document.
//
//	version: "1"
//	threads:
//	  - key: echo
//	    system_prompt: "Answer briefly."
//	    max_iterations: 2
//	    reactor:
//	      type: scripted
//	      steps:
//	        - reply: pong
//	  - key: support
//	    model: gpt-4o-mini
//	    actions: [lookup_order]
//	    reactor:
//	      type: model
//	      provider: openai
func LoadDefinitions(r *Registry, src io.Reader, optFns ...func(o *LoadOptions)) error {
	opts := LoadOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	var doc definitionFile
	if err := yaml.NewDecoder(src).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("thread definitions are empty")
		}
		return fmt.Errorf("decode thread definitions: %w", err)
	}
	if len(doc.Threads) == 0 {
		return errors.New("thread definitions declare no threads")
	}

	for _, item := range doc.Threads {
		key := strings.TrimSpace(item.Key)
		if key == "" {
			return errors.New("thread key is empty")
		}
		factory, err := item.factory(key, opts)
		if err != nil {
			return fmt.Errorf("thread %s: %w", key, err)
		}
		if err := r.Register(key, factory); err != nil {
			return err
		}
	}
	return nil
}

func (item definitionItem) factory(key string, opts LoadOptions) (Factory, error) {
	actions := make([]action.Action, 0, len(item.Actions))
	for _, name := range item.Actions {
		a, ok := opts.Actions.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown action %q", name)
		}
		actions = append(actions, a)
	}

	newReactor, err := item.Reactor.build(opts)
	if err != nil {
		return nil, err
	}

	return func() (*engine.Definition, error) {
		rx, err := newReactor()
		if err != nil {
			return nil, err
		}
		return &engine.Definition{
			Key:             key,
			Name:            item.Name,
			Model:           item.Model,
			SystemPrompt:    item.SystemPrompt,
			Actions:         actions,
			Reactor:         rx,
			MaxIterations:   item.MaxIterations,
			MaxModelSteps:   item.MaxModelSteps,
			CloseOnComplete: item.CloseOnComplete,
		}, nil
	}, nil
}

// build validates the reactor section once and returns a constructor. Scripted
// reactors are stateful, so every definition gets its own.
func (s reactorSpec) build(opts LoadOptions) (func() (reactor.Reactor, error), error) {
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case ReactorScripted, "":
		if len(s.Steps) == 0 {
			return nil, errors.New("scripted reactor has no steps")
		}
		steps := make([]reactor.ScriptedStep, 0, len(s.Steps))
		for i, st := range s.Steps {
			step, err := st.step()
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			steps = append(steps, step)
		}
		repeat := s.RepeatLast
		return func() (reactor.Reactor, error) {
			return reactor.NewScripted(steps, func(o *reactor.ScriptedOptions) { o.RepeatLast = repeat })
		}, nil
	case ReactorModel:
		m, ok := opts.Models[s.Provider]
		if !ok {
			return nil, fmt.Errorf("no model configured for provider %q", s.Provider)
		}
		return func() (reactor.Reactor, error) { return reactor.NewModelReactor(m), nil }, nil
	default:
		return nil, fmt.Errorf("unknown reactor type %q", s.Type)
	}
}

func (s scriptedSpec) step() (reactor.ScriptedStep, error) {
	set := 0
	for _, v := range []string{s.Reply, s.Action, s.Error} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return reactor.ScriptedStep{}, errors.New("exactly one of reply, action or error is required")
	}
	switch {
	case s.Error != "":
		return reactor.Fail(errors.New(s.Error)), nil
	case s.Action != "":
		id := s.ToolCallID
		if id == "" {
			id = "call-" + s.Action
		}
		input := s.Input
		if input == nil {
			input = map[string]any{}
		}
		return reactor.CallAction(id, s.Action, input), nil
	default:
		return reactor.Reply(s.Reply), nil
	}
}
