package sqlstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/store/storetest"
	"github.com/hupe1980/threadmesh/trace"
)

var dbCounter atomic.Int64

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:threadmesh-%d?mode=memory&cache=shared", dbCounter.Add(1))
	s, err := Open(context.Background(), "sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store { return newTestStore(t) })
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, DialectSQLite, d)

	d, err = DialectFor("pgx")
	require.NoError(t, err)
	assert.Equal(t, DialectPostgres, d)

	_, err = DialectFor("oracle")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: DialectPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, " FOR UPDATE", pg.forUpdate())

	lite := &Store{dialect: DialectSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
	assert.Empty(t, lite.forUpdate())
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.migrate(context.Background()))
}

func TestTraceStore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec := trace.NewRecorder(s, func(o *trace.RecorderOptions) { o.Strict = true })

	require.NoError(t, rec.Record(ctx,
		trace.Record{WorkflowRunID: "run-1", EventID: trace.RunEventID("e1"), EventKind: trace.KindThreadRun},
		trace.Record{WorkflowRunID: "run-1", EventID: trace.StepEventID("s1"), EventKind: trace.KindThreadStep, StepID: "s1", Payload: map[string]any{"status": "running"}},
	))
	require.NoError(t, rec.Record(ctx,
		trace.Record{WorkflowRunID: "run-1", EventID: trace.StepEventID("s1"), EventKind: trace.KindThreadStep, StepID: "s1", Payload: map[string]any{"status": "completed"}},
	))

	records, err := s.ListRecords(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.EqualValues(t, 1, records[0].Seq)
	assert.EqualValues(t, 3, records[1].Seq)

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 2, run.EventsCount)
	assert.EqualValues(t, 3, run.LastSeq)

	spans, err := s.ListSpans(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "completed", spans[0].Status)

	missing, err := s.GetRun(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
