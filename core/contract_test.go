package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = map[EntityKind][]string{
	EntityThread:    {"open", "streaming", "closed", "failed"},
	EntityContext:   {"open", "streaming", "closed"},
	EntityExecution: {"executing", "completed", "failed"},
	EntityStep:      {"running", "completed", "failed"},
	EntityItem:      {"stored", "pending", "completed"},
}

var legalEdges = map[EntityKind][][2]string{
	EntityThread:    {{"open", "streaming"}, {"streaming", "open"}, {"streaming", "closed"}, {"streaming", "failed"}, {"failed", "open"}},
	EntityContext:   {{"open", "streaming"}, {"streaming", "open"}, {"open", "closed"}, {"streaming", "closed"}},
	EntityExecution: {{"executing", "completed"}, {"executing", "failed"}},
	EntityStep:      {{"running", "completed"}, {"running", "failed"}},
	EntityItem:      {{"stored", "pending"}, {"stored", "completed"}, {"pending", "completed"}},
}

func isLegal(kind EntityKind, from, to string) bool {
	for _, e := range legalEdges[kind] {
		if e[0] == from && e[1] == to {
			return true
		}
	}
	return false
}

func TestAssertTransition_ExhaustiveTable(t *testing.T) {
	for kind, statuses := range allStatuses {
		for _, from := range statuses {
			for _, to := range statuses {
				err := AssertTransition(kind, from, to)
				if isLegal(kind, from, to) {
					assert.NoError(t, err, "%s %s -> %s", kind, from, to)
					assert.True(t, CanTransition(kind, from, to))
					continue
				}
				require.Error(t, err, "%s %s -> %s", kind, from, to)
				assert.True(t, errors.Is(err, ErrInvalidTransition))
				var ste *StateTransitionError
				require.True(t, errors.As(err, &ste))
				assert.Equal(t, kind, ste.Entity)
				assert.Equal(t, from, ste.From)
				assert.Equal(t, to, ste.To)
			}
		}
	}
}

func TestAssertTransition_UnknownEntityAndStatus(t *testing.T) {
	assert.False(t, CanTransition("nope", "open", "streaming"))
	assert.False(t, CanTransition(EntityThread, "bogus", "open"))
	assert.Error(t, AssertThreadTransition("open", "bogus"))
}

func TestTypedAssertHelpers(t *testing.T) {
	assert.NoError(t, AssertThreadTransition(ThreadStatusFailed, ThreadStatusOpen))
	assert.Error(t, AssertThreadTransition(ThreadStatusFailed, ThreadStatusStreaming))
	assert.NoError(t, AssertContextTransition(ContextStatusOpen, ContextStatusClosed))
	assert.Error(t, AssertContextTransition(ContextStatusClosed, ContextStatusOpen))
	assert.Error(t, AssertExecutionTransition(ExecutionStatusCompleted, ExecutionStatusFailed))
	assert.Error(t, AssertStepTransition(StepStatusFailed, StepStatusCompleted))
	assert.NoError(t, AssertItemTransition(ItemStatusPending, ItemStatusCompleted))

	err := AssertStepTransition(StepStatusCompleted, StepStatusRunning)
	assert.EqualError(t, err, "invalid step.status transition: completed -> running")
}

func TestTransitions_ListsEdges(t *testing.T) {
	edges := Transitions(EntityExecution)
	assert.ElementsMatch(t, []string{"completed", "failed"}, edges["executing"])
	assert.Empty(t, edges["completed"])
}

func TestPartKey(t *testing.T) {
	assert.Equal(t, "step-1:3", PartKey("step-1", 3))
	assert.NoError(t, AssertPartKey("step-1", 3, "step-1:3"))

	err := AssertPartKey("step-1", 3, "step-1:4")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPartKeyInvariant))
	assert.EqualError(t, err, `invalid part key: expected "step-1:3" got "step-1:4"`)
}

func TestNewStepParts_DerivesKeys(t *testing.T) {
	parts := NewStepParts("s", []Part{NewTextPart("a"), NewToolPart("search", "c1", nil)})
	require.Len(t, parts, 2)
	for i, sp := range parts {
		assert.NoError(t, sp.Validate())
		assert.Equal(t, i, sp.Idx)
	}
	assert.Equal(t, "tool-search", parts[1].Type)

	bad := parts[0]
	bad.Idx = 7
	assert.Error(t, bad.Validate())
}
