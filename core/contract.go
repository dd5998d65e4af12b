package core

import "fmt"

type statusSet map[string]struct{}

// transitionTable holds every legal status edge per entity. Edges absent from
// the table are illegal, including self-edges; stores skip the assertion when a
// write leaves the status unchanged.
var transitionTable = map[EntityKind]map[string]statusSet{
	EntityThread: {
		string(ThreadStatusOpen):      {string(ThreadStatusStreaming): {}},
		string(ThreadStatusStreaming): {string(ThreadStatusOpen): {}, string(ThreadStatusClosed): {}, string(ThreadStatusFailed): {}},
		string(ThreadStatusFailed):    {string(ThreadStatusOpen): {}},
		string(ThreadStatusClosed):    {},
	},
	EntityContext: {
		string(ContextStatusOpen):      {string(ContextStatusStreaming): {}, string(ContextStatusClosed): {}},
		string(ContextStatusStreaming): {string(ContextStatusOpen): {}, string(ContextStatusClosed): {}},
		string(ContextStatusClosed):    {},
	},
	EntityExecution: {
		string(ExecutionStatusExecuting): {string(ExecutionStatusCompleted): {}, string(ExecutionStatusFailed): {}},
		string(ExecutionStatusCompleted): {},
		string(ExecutionStatusFailed):    {},
	},
	EntityStep: {
		string(StepStatusRunning):   {string(StepStatusCompleted): {}, string(StepStatusFailed): {}},
		string(StepStatusCompleted): {},
		string(StepStatusFailed):    {},
	},
	EntityItem: {
		string(ItemStatusStored):    {string(ItemStatusPending): {}, string(ItemStatusCompleted): {}},
		string(ItemStatusPending):   {string(ItemStatusCompleted): {}},
		string(ItemStatusCompleted): {},
	},
}

// CanTransition reports whether the status edge from -> to is legal for kind.
func CanTransition(kind EntityKind, from, to string) bool {
	edges, ok := transitionTable[kind]
	if !ok {
		return false
	}
	allowed, ok := edges[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// AssertTransition returns a *StateTransitionError when from -> to is not a
// legal edge for kind. Callers must invoke it before persisting a status write.
func AssertTransition(kind EntityKind, from, to string) error {
	if CanTransition(kind, from, to) {
		return nil
	}
	return &StateTransitionError{Entity: kind, From: from, To: to}
}

// Transitions returns the legal edges for kind as from -> []to pairs.
func Transitions(kind EntityKind) map[string][]string {
	out := map[string][]string{}
	for from, tos := range transitionTable[kind] {
		list := make([]string, 0, len(tos))
		for to := range tos {
			list = append(list, to)
		}
		out[from] = list
	}
	return out
}

// AssertThreadTransition validates a Thread status edge.
func AssertThreadTransition(from, to ThreadStatus) error {
	return AssertTransition(EntityThread, string(from), string(to))
}

// AssertContextTransition validates a Context status edge.
func AssertContextTransition(from, to ContextStatus) error {
	return AssertTransition(EntityContext, string(from), string(to))
}

// AssertExecutionTransition validates an Execution status edge.
func AssertExecutionTransition(from, to ExecutionStatus) error {
	return AssertTransition(EntityExecution, string(from), string(to))
}

// AssertStepTransition validates a Step status edge.
func AssertStepTransition(from, to StepStatus) error {
	return AssertTransition(EntityStep, string(from), string(to))
}

// AssertItemTransition validates an Item status edge.
func AssertItemTransition(from, to ItemStatus) error {
	return AssertTransition(EntityItem, string(from), string(to))
}

// PartKey derives the canonical key of the idx-th part of a step.
func PartKey(stepID string, idx int) string {
	return fmt.Sprintf("%s:%d", stepID, idx)
}

// AssertPartKey fails with a *PartKeyError when key is not PartKey(stepID, idx).
func AssertPartKey(stepID string, idx int, key string) error {
	expected := PartKey(stepID, idx)
	if key != expected {
		return &PartKeyError{Expected: expected, Got: key}
	}
	return nil
}
