package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventIDs(t *testing.T) {
	assert.Equal(t, "thread_context:c1", ContextEventID("c1"))
	assert.Equal(t, "thread_run:e1", RunEventID("e1"))
	assert.Equal(t, "thread_execution:e1", ExecutionEventID("e1"))
	assert.Equal(t, "thread_execution:e1:failed", ExecutionStatusEventID("e1", "failed"))
	assert.Equal(t, "thread_item:i1", ItemEventID("i1"))
	assert.Equal(t, "thread_step:s1", StepEventID("s1"))
	assert.Equal(t, "thread_part:s1:2", PartEventID("s1", 2))
	assert.Equal(t, "thread_review:e1:call-1", ReviewEventID("e1", "call-1"))
	assert.Equal(t, "thread_llm:s1", LLMEventID("s1"))
	assert.Equal(t, "workflow_run:r1", WorkflowRunEventID("r1"))
}

func TestBatches(t *testing.T) {
	recs := make([]Record, 5)
	assert.Nil(t, Batches(nil, 2))
	assert.Len(t, Batches(recs, 0), 1)

	batches := Batches(recs, 2)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[2], 1)
}

func TestRecorderAssignsSeqAcrossWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := NewRecorder(store)

	require.NoError(t, rec.Record(ctx,
		Record{WorkflowRunID: "r1", EventID: "a", EventKind: KindThreadRun},
		Record{WorkflowRunID: "r1", EventID: "b", EventKind: KindThreadExecution},
	))

	// A fresh recorder over the same store simulates a restart.
	restarted := NewRecorder(store)
	require.NoError(t, restarted.Record(ctx, Record{WorkflowRunID: "r1", EventID: "c", EventKind: KindThreadItem}))

	records, err := store.ListRecords(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, r := range records {
		assert.EqualValues(t, i+1, r.Seq)
		assert.False(t, r.EventAt.IsZero())
	}

	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, run.EventsCount)
	assert.EqualValues(t, 3, run.LastSeq)
}

func TestRecorderRejectsSeqRegression(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for _, strict := range []bool{true, false} {
		rec := NewRecorder(store, func(o *RecorderOptions) { o.Strict = strict })
		runID := fmt.Sprintf("r-strict-%t", strict)
		require.NoError(t, rec.Record(ctx,
			Record{WorkflowRunID: runID, EventID: "a"},
			Record{WorkflowRunID: runID, EventID: "b"},
			Record{WorkflowRunID: runID, EventID: "c"},
		))

		err := rec.Record(ctx, Record{WorkflowRunID: runID, EventID: "d", Seq: 2})
		if strict {
			assert.ErrorIs(t, err, ErrSeqRegression)
		} else {
			assert.NoError(t, err)
		}
		err = rec.Record(ctx,
			Record{WorkflowRunID: runID, EventID: "e", Seq: 7},
			Record{WorkflowRunID: runID, EventID: "f", Seq: 7},
		)
		if strict {
			assert.ErrorIs(t, err, ErrSeqRegression)
		}

		records, err := store.ListRecords(ctx, runID)
		require.NoError(t, err)
		ids := make([]string, 0, len(records))
		for i, r := range records {
			ids = append(ids, r.EventID)
			assert.EqualValues(t, i+1, r.Seq)
		}
		assert.Equal(t, []string{"a", "b", "c"}, ids)
	}

	rec := NewRecorder(store, func(o *RecorderOptions) { o.Strict = true })
	require.NoError(t, rec.Record(ctx, Record{WorkflowRunID: "r-jump", EventID: "a", Seq: 5}))
	require.NoError(t, rec.Record(ctx, Record{WorkflowRunID: "r-jump", EventID: "b"}))
	run, err := store.GetRun(ctx, "r-jump")
	require.NoError(t, err)
	assert.EqualValues(t, 6, run.LastSeq)
}

func TestRecorderReplayOverwritesByEventID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := NewRecorder(store)

	require.NoError(t, rec.Record(ctx, Record{WorkflowRunID: "r1", EventID: "thread_step:s1", EventKind: KindThreadStep, StepID: "s1", Payload: map[string]any{"status": "running"}}))
	require.NoError(t, rec.Record(ctx, Record{WorkflowRunID: "r1", EventID: "thread_step:s1", EventKind: KindThreadStep, StepID: "s1", Payload: map[string]any{"status": "completed"}}))

	records, err := store.ListRecords(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.EqualValues(t, 2, records[0].Seq)

	spans, err := store.ListSpans(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "s1", spans[0].SpanID)
	assert.Equal(t, "completed", spans[0].Status)
	assert.False(t, spans[0].EndedAt.IsZero())
}

type failingStore struct{ *MemoryStore }

func (failingStore) WriteTrace(context.Context, string, []Record, []Span) error {
	return errors.New("disk full")
}

func TestRecorderNonStrictSwallowsErrors(t *testing.T) {
	ctx := context.Background()
	lenient := NewRecorder(failingStore{NewMemoryStore()})
	assert.NoError(t, lenient.Record(ctx, Record{WorkflowRunID: "r1", EventID: "a"}))

	strict := NewRecorder(failingStore{NewMemoryStore()}, func(o *RecorderOptions) { o.Strict = true })
	err := strict.Record(ctx, Record{WorkflowRunID: "r1", EventID: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	err = strict.Record(ctx, Record{EventID: "orphan"})
	assert.ErrorIs(t, err, ErrMissingRunID)
}

func TestNilRecorderIsNoOp(t *testing.T) {
	var rec *Recorder
	assert.NoError(t, rec.Record(context.Background(), Record{EventID: "x"}))
}

func TestHTTPExporter(t *testing.T) {
	var got ingestRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, IngestPath, r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL+"/", func(o *HTTPExporterOptions) {
		o.ProjectID = "proj"
		o.Token = "secret"
	})
	rec := NewRecorder(NewMemoryStore(), func(o *RecorderOptions) {
		o.Exporter = exp
		o.Strict = true
	})
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, rec.Record(context.Background(), Record{WorkflowRunID: "r1", EventID: "a", EventKind: KindThreadRun, EventAt: at}))

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "proj", got.ProjectID)
	require.Len(t, got.Events, 1)
	assert.EqualValues(t, 1, got.Events[0].Seq)
}

func TestHTTPExporterErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewHTTPExporter(srv.URL).Export(context.Background(), []Record{{EventID: "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}
