// Package storetest is a behavioural conformance suite run against every
// core.Store implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/threadmesh/core"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) core.Store

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s core.Store)
	}{
		{"Threads", testThreads},
		{"Contexts", testContexts},
		{"ContextStatusMirrorsThread", testContextStatusMirrorsThread},
		{"Items", testItems},
		{"ItemOrdering", testItemOrdering},
		{"Executions", testExecutions},
		{"FailedExecution", testFailedExecution},
		{"ConcurrentExecutions", testConcurrentExecutions},
		{"ExecutionReactionItem", testExecutionReactionItem},
		{"ClosedContextSurvivesCompletion", testClosedContextSurvivesCompletion},
		{"Steps", testSteps},
		{"StepParts", testStepParts},
		{"LinkItemToExecution", testLinkItemToExecution},
		{"ItemsToModelMessages", testItemsToModelMessages},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func ptr[T any](v T) *T { return &v }

func testThreads(t *testing.T, s core.Store) {
	ctx := context.Background()

	anon, err := s.GetOrCreateThread(ctx, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, anon.ID)
	assert.Equal(t, core.ThreadStatusOpen, anon.Status)

	keyed, err := s.GetOrCreateThread(ctx, &core.Identifier{Key: "support"})
	require.NoError(t, err)
	again, err := s.GetOrCreateThread(ctx, &core.Identifier{Key: "support"})
	require.NoError(t, err)
	assert.Equal(t, keyed.ID, again.ID)
	assert.Equal(t, "support", again.Key)

	missing, err := s.GetThread(ctx, core.ByKey("nope"))
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = s.GetThread(ctx, core.Identifier{})
	assert.ErrorIs(t, err, core.ErrInvalidIdentifier)

	require.NoError(t, s.UpdateThreadStatus(ctx, core.ByID(keyed.ID), core.ThreadStatusStreaming))
	require.NoError(t, s.UpdateThreadStatus(ctx, core.ByID(keyed.ID), core.ThreadStatusStreaming))
	got, err := s.GetThread(ctx, core.ByID(keyed.ID))
	require.NoError(t, err)
	assert.Equal(t, core.ThreadStatusStreaming, got.Status)

	err = s.UpdateThreadStatus(ctx, core.ByID(anon.ID), core.ThreadStatusClosed)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
	var ste *core.StateTransitionError
	require.ErrorAs(t, err, &ste)
	assert.Equal(t, core.EntityThread, ste.Entity)

	err = s.UpdateThreadStatus(ctx, core.ByID("missing"), core.ThreadStatusStreaming)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testContexts(t *testing.T, s core.Store) {
	ctx := context.Background()

	c, err := s.GetOrCreateContext(ctx, &core.Identifier{Key: "conv-1"})
	require.NoError(t, err)
	assert.Equal(t, core.ContextStatusOpen, c.Status)
	assert.Equal(t, "conv-1", c.Key)
	assert.NotEmpty(t, c.ThreadID)

	thread, err := s.GetThread(ctx, core.ByKey("conv-1"))
	require.NoError(t, err)
	require.NotNil(t, thread)
	assert.Equal(t, c.ThreadID, thread.ID)

	byID, err := s.GetContext(ctx, core.ByID(c.ID))
	require.NoError(t, err)
	assert.Equal(t, c.ID, byID.ID)

	missing, err := s.GetContext(ctx, core.ByID("nope"))
	require.NoError(t, err)
	assert.Nil(t, missing)

	anon, err := s.GetOrCreateContext(ctx, nil)
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, anon.ID)
	assert.NotEqual(t, c.ThreadID, anon.ThreadID)

	_, err = s.UpdateContextContent(ctx, c.Identifier(), map[string]any{"user": map[string]any{"name": "ada"}, "turns": 1})
	require.NoError(t, err)
	merged, err := s.UpdateContextContent(ctx, c.Identifier(), map[string]any{"user": map[string]any{"tier": "pro"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "ada", "tier": "pro"}, merged.Content["user"])
	assert.EqualValues(t, 1, merged.Content["turns"])

	_, err = s.UpdateContextContent(ctx, core.ByID("nope"), map[string]any{"a": 1})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testContextStatusMirrorsThread(t *testing.T, s core.Store) {
	ctx := context.Background()
	c, err := s.GetOrCreateContext(ctx, &core.Identifier{Key: "mirror"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateContextStatus(ctx, c.Identifier(), core.ContextStatusStreaming))
	thread, err := s.GetThread(ctx, core.ByID(c.ThreadID))
	require.NoError(t, err)
	assert.Equal(t, core.ThreadStatusStreaming, thread.Status)

	require.NoError(t, s.UpdateContextStatus(ctx, c.Identifier(), core.ContextStatusClosed))
	thread, err = s.GetThread(ctx, core.ByID(c.ThreadID))
	require.NoError(t, err)
	assert.Equal(t, core.ThreadStatusClosed, thread.Status)

	err = s.UpdateContextStatus(ctx, c.Identifier(), core.ContextStatusStreaming)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	got, err := s.GetContext(ctx, c.Identifier())
	require.NoError(t, err)
	assert.Equal(t, core.ContextStatusClosed, got.Status)
}

func testItems(t *testing.T, s core.Store) {
	ctx := context.Background()
	c, err := s.GetOrCreateContext(ctx, nil)
	require.NoError(t, err)

	saved, err := s.SaveItem(ctx, c.Identifier(), core.Item{
		Type:    core.ItemTypeInputText,
		Channel: core.ChannelWeb,
		Content: core.ItemContent{Parts: []core.Part{core.NewTextPart("hi")}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, core.ItemStatusStored, saved.Status)
	assert.False(t, saved.CreatedAt.IsZero())

	got, err := s.GetItem(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", core.TextOf(got.Content.Parts))

	pending := *got
	pending.Status = core.ItemStatusPending
	updated, err := s.UpdateItem(ctx, saved.ID, pending)
	require.NoError(t, err)
	assert.Equal(t, core.ItemStatusPending, updated.Status)

	done := *updated
	done.Status = core.ItemStatusCompleted
	done.Content.Parts = []core.Part{core.NewTextPart("hi there")}
	_, err = s.UpdateItem(ctx, saved.ID, done)
	require.NoError(t, err)

	back := done
	back.Status = core.ItemStatusPending
	_, err = s.UpdateItem(ctx, saved.ID, back)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	got, err = s.GetItem(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ItemStatusCompleted, got.Status)
	assert.Equal(t, "hi there", core.TextOf(got.Content.Parts))

	_, err = s.UpdateItem(ctx, "missing", done)
	assert.ErrorIs(t, err, core.ErrNotFound)

	none, err := s.GetItem(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = s.SaveItem(ctx, core.ByID("no-context"), core.Item{Type: core.ItemTypeInputText})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testItemOrdering(t *testing.T, s core.Store) {
	ctx := context.Background()
	c, err := s.GetOrCreateContext(ctx, nil)
	require.NoError(t, err)
	other, err := s.GetOrCreateContext(ctx, nil)
	require.NoError(t, err)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, it := range []core.Item{
		{ID: "b", Type: core.ItemTypeInputText, CreatedAt: base},
		{ID: "c", Type: core.ItemTypeInputText, CreatedAt: base.Add(-time.Minute)},
		{ID: "a", Type: core.ItemTypeInputText, CreatedAt: base},
	} {
		_, err := s.SaveItem(ctx, c.Identifier(), it)
		require.NoError(t, err)
	}
	_, err = s.SaveItem(ctx, other.Identifier(), core.Item{ID: "z", Type: core.ItemTypeInputText})
	require.NoError(t, err)

	items, err := s.GetItems(ctx, c.Identifier())
	require.NoError(t, err)
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func newExecution(t *testing.T, s core.Store, key string) (*core.Context, *core.Execution) {
	t.Helper()
	ctx := context.Background()
	c, err := s.GetOrCreateContext(ctx, &core.Identifier{Key: key})
	require.NoError(t, err)
	trigger, err := s.SaveItem(ctx, c.Identifier(), core.Item{Type: core.ItemTypeInputText, Channel: core.ChannelWeb})
	require.NoError(t, err)
	require.NoError(t, s.UpdateContextStatus(ctx, c.Identifier(), core.ContextStatusStreaming))
	exec, err := s.CreateExecution(ctx, c.Identifier(), trigger.ID, "reaction-"+key)
	require.NoError(t, err)
	return c, exec
}

func testExecutions(t *testing.T, s core.Store) {
	ctx := context.Background()
	c, exec := newExecution(t, s, "exec-ok")

	assert.Equal(t, core.ExecutionStatusExecuting, exec.Status)
	assert.Equal(t, c.ID, exec.ContextID)
	assert.Equal(t, c.ThreadID, exec.ThreadID)
	assert.Equal(t, "reaction-exec-ok", exec.ReactionItemID)

	cur, err := s.GetContext(ctx, c.Identifier())
	require.NoError(t, err)
	assert.Equal(t, exec.ID, cur.CurrentExecutionID)
	thread, err := s.GetThread(ctx, core.ByID(c.ThreadID))
	require.NoError(t, err)
	assert.Equal(t, core.ThreadStatusStreaming, thread.Status)

	require.NoError(t, s.CompleteExecution(ctx, c.Identifier(), exec.ID, core.ExecutionStatusCompleted))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionStatusCompleted, got.Status)
	cur, err = s.GetContext(ctx, c.Identifier())
	require.NoError(t, err)
	assert.Equal(t, core.ContextStatusOpen, cur.Status)
	thread, err = s.GetThread(ctx, core.ByID(c.ThreadID))
	require.NoError(t, err)
	assert.Equal(t, core.ThreadStatusOpen, thread.Status)

	err = s.CompleteExecution(ctx, c.Identifier(), exec.ID, core.ExecutionStatusFailed)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	err = s.CompleteExecution(ctx, c.Identifier(), "missing", core.ExecutionStatusCompleted)
	assert.ErrorIs(t, err, core.ErrNotFound)

	none, err := s.GetExecution(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func testFailedExecution(t *testing.T, s core.Store) {
	ctx := context.Background()
	c, exec := newExecution(t, s, "exec-fail")

	require.NoError(t, s.CompleteExecution(ctx, c.Identifier(), exec.ID, core.ExecutionStatusFailed))
	thread, err := s.GetThread(ctx, core.ByID(c.ThreadID))
	require.NoError(t, err)
	assert.Equal(t, core.ThreadStatusFailed, thread.Status)
	cur, err := s.GetContext(ctx, c.Identifier())
	require.NoError(t, err)
	assert.Equal(t, core.ContextStatusOpen, cur.Status)
}

func testConcurrentExecutions(t *testing.T, s core.Store) {
	ctx := context.Background()
	c, first := newExecution(t, s, "shared")

	second, err := s.CreateExecution(ctx, c.Identifier(), first.TriggerItemID, "reaction-2")
	require.NoError(t, err)

	old, err := s.GetExecution(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionStatusExecuting, old.Status)
	cur, err := s.GetContext(ctx, c.Identifier())
	require.NoError(t, err)
	assert.Equal(t, second.ID, cur.CurrentExecutionID)

	require.NoError(t, s.CompleteExecution(ctx, c.Identifier(), second.ID, core.ExecutionStatusCompleted))
	require.NoError(t, s.CompleteExecution(ctx, c.Identifier(), first.ID, core.ExecutionStatusCompleted))

	for _, id := range []string{first.ID, second.ID} {
		got, err := s.GetExecution(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, core.ExecutionStatusCompleted, got.Status)
	}
	thread, err := s.GetThread(ctx, core.ByID(c.ThreadID))
	require.NoError(t, err)
	assert.Equal(t, core.ThreadStatusOpen, thread.Status)
}

func testExecutionReactionItem(t *testing.T, s core.Store) {
	ctx := context.Background()

	c, done := newExecution(t, s, "reaction-saved")
	_, err := s.SaveItem(ctx, c.Identifier(), core.Item{ID: done.ReactionItemID, Type: core.ItemTypeOutputText, Channel: core.ChannelWeb})
	require.NoError(t, err)
	require.NoError(t, s.CompleteExecution(ctx, c.Identifier(), done.ID, core.ExecutionStatusCompleted))
	got, err := s.GetExecution(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, done.ReactionItemID, got.ReactionItemID)

	tests := []struct {
		key    string
		status core.ExecutionStatus
	}{
		{"reaction-unsaved", core.ExecutionStatusCompleted},
		{"reaction-failed", core.ExecutionStatusFailed},
	}
	for _, tt := range tests {
		c, exec := newExecution(t, s, tt.key)
		require.NoError(t, s.CompleteExecution(ctx, c.Identifier(), exec.ID, tt.status))
		got, err := s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Empty(t, got.ReactionItemID, tt.key)
	}
}

func testClosedContextSurvivesCompletion(t *testing.T, s core.Store) {
	ctx := context.Background()
	c, exec := newExecution(t, s, "closing")

	require.NoError(t, s.UpdateContextStatus(ctx, c.Identifier(), core.ContextStatusClosed))
	require.NoError(t, s.CompleteExecution(ctx, c.Identifier(), exec.ID, core.ExecutionStatusCompleted))

	cur, err := s.GetContext(ctx, c.Identifier())
	require.NoError(t, err)
	assert.Equal(t, core.ContextStatusClosed, cur.Status)
	thread, err := s.GetThread(ctx, core.ByID(c.ThreadID))
	require.NoError(t, err)
	assert.Equal(t, core.ThreadStatusClosed, thread.Status)
}

func testSteps(t *testing.T, s core.Store) {
	ctx := context.Background()
	_, exec := newExecution(t, s, "steps")

	first, err := s.CreateStep(ctx, core.StepInput{ExecutionID: exec.ID, Iteration: 0})
	require.NoError(t, err)
	assert.Equal(t, core.StepStatusRunning, first.Status)
	assert.NotEmpty(t, first.EventID)
	assert.NotEqual(t, first.ID, first.EventID)
	assert.Equal(t, exec.TriggerItemID, first.TriggerItemID)

	second, err := s.CreateStep(ctx, core.StepInput{ExecutionID: exec.ID, Iteration: 1})
	require.NoError(t, err)
	assert.NotEqual(t, first.EventID, second.EventID)

	calls := []core.ToolCall{{ToolCallID: "c1", ToolName: "lookup", Input: map[string]any{"q": "x"}}}
	results := []core.ToolExecutionResult{{ToolCallID: "c1", ToolName: "lookup", Success: true, Output: "ok"}}
	require.NoError(t, s.UpdateStep(ctx, first.ID, core.StepPatch{
		Status:               ptr(core.StepStatusCompleted),
		ToolCalls:            calls,
		ToolExecutionResults: results,
		ContinueLoop:         ptr(true),
	}))
	require.NoError(t, s.UpdateStep(ctx, second.ID, core.StepPatch{
		Status:    ptr(core.StepStatusFailed),
		ErrorText: ptr("boom"),
	}))

	err = s.UpdateStep(ctx, first.ID, core.StepPatch{Status: ptr(core.StepStatusRunning)})
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
	err = s.UpdateStep(ctx, "missing", core.StepPatch{Status: ptr(core.StepStatusCompleted)})
	assert.ErrorIs(t, err, core.ErrNotFound)

	steps, err := s.GetSteps(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, first.ID, steps[0].ID)
	assert.Equal(t, core.StepStatusCompleted, steps[0].Status)
	require.Len(t, steps[0].ToolCalls, 1)
	assert.Equal(t, "lookup", steps[0].ToolCalls[0].ToolName)
	require.Len(t, steps[0].ToolExecutionResults, 1)
	assert.True(t, steps[0].ToolExecutionResults[0].Success)
	require.NotNil(t, steps[0].ContinueLoop)
	assert.True(t, *steps[0].ContinueLoop)
	assert.Equal(t, core.StepStatusFailed, steps[1].Status)
	assert.Equal(t, "boom", steps[1].ErrorText)

	_, err = s.CreateStep(ctx, core.StepInput{ExecutionID: "missing"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testStepParts(t *testing.T, s core.Store) {
	ctx := context.Background()
	_, exec := newExecution(t, s, "parts")
	step, err := s.CreateStep(ctx, core.StepInput{ExecutionID: exec.ID})
	require.NoError(t, err)

	parts := core.NewStepParts(step.ID, []core.Part{
		core.NewTextPart("checking"),
		core.NewToolPart("lookup", "c1", map[string]any{"q": "x"}),
	})
	require.NoError(t, s.SaveStepParts(ctx, step.ID, parts))

	settled := core.ApplyToolExecutionResult([]core.Part{parts[1].Part}, core.ToolExecutionResult{ToolCallID: "c1", ToolName: "lookup", Success: true, Output: "found"})
	parts[1].Part = settled[0]
	require.NoError(t, s.SaveStepParts(ctx, step.ID, parts[1:]))

	got, err := s.GetStepParts(ctx, step.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, core.PartKey(step.ID, 0), got[0].Key)
	assert.Equal(t, "text", got[0].Type)
	assert.Equal(t, core.PartKey(step.ID, 1), got[1].Key)
	assert.Equal(t, core.ToolStateOutputAvailable, got[1].Part.String("state"))
	assert.Equal(t, "found", got[1].Part["output"])

	bad := []core.StepPart{{Key: "wrong", StepID: step.ID, Idx: 0, Part: core.NewTextPart("x")}}
	err = s.SaveStepParts(ctx, step.ID, bad)
	assert.ErrorIs(t, err, core.ErrPartKeyInvariant)

	foreign := core.NewStepParts("other-step", []core.Part{core.NewTextPart("x")})
	err = s.SaveStepParts(ctx, step.ID, foreign)
	assert.ErrorIs(t, err, core.ErrPartKeyInvariant)
}

func testLinkItemToExecution(t *testing.T, s core.Store) {
	ctx := context.Background()
	_, exec := newExecution(t, s, "link")

	require.NoError(t, s.LinkItemToExecution(ctx, exec.TriggerItemID, exec.ID))
	require.NoError(t, s.LinkItemToExecution(ctx, exec.TriggerItemID, exec.ID))

	err := s.LinkItemToExecution(ctx, "missing", exec.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	err = s.LinkItemToExecution(ctx, exec.TriggerItemID, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testItemsToModelMessages(t *testing.T, s core.Store) {
	ctx := context.Background()
	c, exec := newExecution(t, s, "messages")
	step, err := s.CreateStep(ctx, core.StepInput{ExecutionID: exec.ID})
	require.NoError(t, err)

	toolPart := core.NewToolPart("lookup", "c1", map[string]any{"q": "x"})
	settled := core.ApplyToolExecutionResult([]core.Part{toolPart}, core.ToolExecutionResult{ToolCallID: "c1", ToolName: "lookup", Success: true, Output: "found"})
	require.NoError(t, s.SaveStepParts(ctx, step.ID, core.NewStepParts(step.ID, []core.Part{core.NewTextPart("let me check"), settled[0]})))

	reaction, err := s.SaveItem(ctx, c.Identifier(), core.Item{
		ID:      exec.ReactionItemID,
		Type:    core.ItemTypeOutputText,
		Channel: core.ChannelWeb,
		Content: core.ItemContent{Parts: []core.Part{core.NewTextPart("stale")}},
	})
	require.NoError(t, err)

	trigger, err := s.GetItem(ctx, exec.TriggerItemID)
	require.NoError(t, err)
	trigger.Content.Parts = []core.Part{core.NewTextPart("question")}

	msgs, err := s.ItemsToModelMessages(ctx, []core.Item{*trigger, *reaction})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, core.RoleUser, msgs[0].Role)
	assert.Equal(t, "question", msgs[0].Text())
	assert.Equal(t, core.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "let me check", msgs[1].Text())
	assert.Equal(t, core.RoleTool, msgs[2].Role)
	require.Len(t, msgs[2].Content, 1)
	assert.Equal(t, "c1", msgs[2].Content[0].ToolCallID)
}
