package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hupe1980/threadmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RoundTripsConstructedEvents(t *testing.T) {
	exec := &core.Execution{ID: "e1", ContextID: "c1", ThreadID: "t1", Status: core.ExecutionStatusExecuting}
	step := &core.Step{ID: "s1", ExecutionID: "e1", Iteration: 0, Status: core.StepStatusRunning}
	events := []Event{
		ContextCreated(&core.Context{ID: "c1", ThreadID: "t1", Status: core.ContextStatusOpen}),
		ThreadResolved(&core.Thread{ID: "t1", Status: core.ThreadStatusOpen}),
		ExecutionCreated(exec),
		StepCreated(step),
		PartCreated(core.NewStepParts("s1", []core.Part{core.NewTextPart("x")})[0]),
		ItemStatusChanged("i1", "", core.ItemStatusPending, core.ItemStatusCompleted),
		ChunkEmitted(ChunkFinish, "c1", "", "", nil),
		ThreadFinished(exec, core.ExecutionStatusCompleted),
	}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		parsed, err := Parse(data)
		require.NoError(t, err, string(data))
		assert.Equal(t, ev.Type, parsed.Type)
	}
}

func TestParse_StepIterationZeroIsPresent(t *testing.T) {
	data, err := json.Marshal(StepCreated(&core.Step{ID: "s", ExecutionID: "e", Status: core.StepStatusRunning}))
	require.NoError(t, err)
	ev, err := Parse(data)
	require.NoError(t, err)
	require.NotNil(t, ev.Iteration)
	assert.Equal(t, 0, *ev.Iteration)
}

func TestParse_Errors(t *testing.T) {
	at := time.Now().UTC().Format(time.RFC3339Nano)
	cases := []struct {
		name string
		raw  map[string]any
		msg  string
	}{
		{"missing type", map[string]any{"at": at}, "invalid thread stream event.type: expected non-empty string"},
		{"unknown type", map[string]any{"type": "bogus", "at": at}, "unsupported thread stream event type: bogus"},
		{"empty field", map[string]any{"type": "thread.created", "at": at, "threadId": "", "status": "open"}, "invalid thread.created.threadId: expected non-empty string"},
		{"bad number", map[string]any{"type": "step.created", "at": at, "stepId": "s", "executionId": "e", "status": "running", "iteration": "0"}, "invalid step.created.iteration: expected number"},
		{"bad optional", map[string]any{"type": "chunk.emitted", "at": at, "chunkType": "x", "contextId": "c", "stepId": 3}, "invalid chunk.emitted.stepId: expected non-empty string"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMap(tc.raw)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}

	_, err := Parse([]byte(`[1,2]`))
	assert.True(t, errors.Is(err, ErrInvalidEvent))

	data, err := json.Marshal(StepStatusChanged("s", "e", core.StepStatusCompleted, core.StepStatusRunning))
	require.NoError(t, err)
	_, err = Parse(data)
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	data, err = json.Marshal(ThreadStatusChanged("t", core.ThreadStatusFailed, core.ThreadStatusOpen))
	require.NoError(t, err)
	_, err = Parse(data)
	assert.NoError(t, err)
	_, err = ParseMap(map[string]any{"type": "bogus", "at": at})
	assert.True(t, errors.Is(err, ErrUnsupportedEvent))
}

func TestAssertTransitions(t *testing.T) {
	assert.NoError(t, AssertTransitions(StepStatusChanged("s", "e", core.StepStatusRunning, core.StepStatusFailed)))
	err := AssertTransitions(Event{Type: EventExecutionStatusChanged, From: "completed", To: "executing"})
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))
	assert.NoError(t, AssertTransitions(Event{Type: EventChunkEmitted}))
}

func TestValidateTimeline(t *testing.T) {
	ok := []Event{
		StepCreated(&core.Step{ID: "s", ExecutionID: "e", Status: core.StepStatusRunning}),
		StepStatusChanged("s", "e", core.StepStatusRunning, core.StepStatusCompleted),
	}
	assert.NoError(t, ValidateTimeline(ok))

	illegal := append(ok, StepStatusChanged("s", "e", core.StepStatusCompleted, core.StepStatusFailed))
	assert.True(t, errors.Is(ValidateTimeline(illegal), core.ErrInvalidTransition))

	diverging := []Event{
		ContextResolved(&core.Context{ID: "c", ThreadID: "t", Status: core.ContextStatusOpen}),
		ContextStatusChanged("c", "t", core.ContextStatusStreaming, core.ContextStatusOpen),
	}
	assert.True(t, errors.Is(ValidateTimeline(diverging), ErrTimeline))
}

func TestChannelSink(t *testing.T) {
	s := NewChannelSink(1)
	ctx := context.Background()
	require.NoError(t, s.Send(ctx, Event{Type: EventChunkEmitted}))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, s.Send(cctx, Event{}), context.Canceled)

	ev := <-s.Events()
	assert.Equal(t, EventChunkEmitted, ev.Type)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send(ctx, Event{}), ErrSinkClosed)
	_, open := <-s.Events()
	assert.False(t, open)
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()
	require.NoError(t, s.Send(ctx, ChunkEmitted(ChunkThreadPing, "c", "e", "", PingData("thread-start"))))
	require.NoError(t, s.Send(ctx, ChunkEmitted(ChunkFinish, "c", "e", "", nil)))
	assert.Equal(t, []string{ChunkThreadPing, ChunkFinish}, s.Chunks())
	require.NoError(t, s.Close())
	assert.True(t, s.Closed())
	assert.ErrorIs(t, s.Send(ctx, Event{}), ErrSinkClosed)
}

func TestSubstateData(t *testing.T) {
	assert.Equal(t, "actions", SubstateData(SubstateActions)["key"])
	assert.Nil(t, SubstateData("")["key"])
}
