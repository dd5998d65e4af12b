package action

import (
	"sort"

	"github.com/hupe1980/threadmesh/model"
)

// Set is the action set resolved for one iteration, keyed by name.
type Set map[string]Action

// NewSet indexes actions by name. Later duplicates replace earlier ones.
func NewSet(actions ...Action) Set {
	s := make(Set, len(actions))
	for _, a := range actions {
		if a == nil {
			continue
		}
		s[a.Name()] = a
	}
	return s
}

// Get returns the named action.
func (s Set) Get(name string) (Action, bool) {
	a, ok := s[name]
	return a, ok
}

// Names returns the sorted action names.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ModelTools renders the set as tool definitions in name order.
func (s Set) ModelTools() []model.ToolDefinition {
	if len(s) == 0 {
		return nil
	}
	tools := make([]model.ToolDefinition, 0, len(s))
	for _, name := range s.Names() {
		a := s[name]
		tools = append(tools, model.NewToolDefinition(a.Name(), a.Description(), a.InputSchema()))
	}
	return tools
}

// RequiresApproval reports whether the named action is manual.
func (s Set) RequiresApproval(name string) bool {
	a, ok := s[name]
	return ok && !IsAuto(a)
}
