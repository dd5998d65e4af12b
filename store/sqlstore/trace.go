package sqlstore

import (
	"context"
	"database/sql"

	"github.com/hupe1980/threadmesh/trace"
)

// GetRun implements trace.Store.
func (s *Store) GetRun(ctx context.Context, runID string) (*trace.Run, error) {
	var (
		run                        trace.Run
		first, last, ingested, seq int64
	)
	err := s.queryRow(ctx, s.db,
		`SELECT workflow_run_id, first_event_at, last_event_at, last_ingested_at, events_count, last_seq
		 FROM thread_trace_runs WHERE workflow_run_id = ?`, runID,
	).Scan(&run.WorkflowRunID, &first, &last, &ingested, &run.EventsCount, &seq)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.FirstEventAt = fromNanos(first)
	run.LastEventAt = fromNanos(last)
	run.LastIngestedAt = fromNanos(ingested)
	run.LastSeq = seq
	return &run, nil
}

// WriteTrace implements trace.Store.
func (s *Store) WriteTrace(ctx context.Context, runID string, records []trace.Record, spans []trace.Span) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		raw, err := marshalJSON(r)
		if err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx,
			`INSERT INTO thread_trace_events (workflow_run_id, event_id, event_kind, seq, event_at, record)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (workflow_run_id, event_id) DO UPDATE SET event_kind = excluded.event_kind,
			   seq = excluded.seq, event_at = excluded.event_at, record = excluded.record`,
			runID, r.EventID, string(r.EventKind), r.Seq, toNanos(r.EventAt), raw,
		); err != nil {
			return err
		}
	}

	for _, span := range spans {
		var prev trace.Span
		var prevRaw sql.NullString
		err := s.queryRow(ctx, tx,
			`SELECT span FROM thread_trace_spans WHERE workflow_run_id = ? AND span_id = ?`, runID, span.SpanID,
		).Scan(&prevRaw)
		if err != nil && !isNoRows(err) {
			return err
		}
		if err := unmarshalJSON(prevRaw, &prev); err != nil {
			return err
		}
		merged := trace.MergeSpan(prev, span)
		raw, err := marshalJSON(merged)
		if err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx,
			`INSERT INTO thread_trace_spans (workflow_run_id, span_id, started_at, span) VALUES (?, ?, ?, ?)
			 ON CONFLICT (workflow_run_id, span_id) DO UPDATE SET started_at = excluded.started_at, span = excluded.span`,
			runID, merged.SpanID, toNanos(merged.StartedAt), raw,
		); err != nil {
			return err
		}
	}

	run, err := s.lockedRun(ctx, tx, runID)
	if err != nil {
		return err
	}
	trace.UpdateRun(run, records)
	if err := s.queryRow(ctx, tx,
		`SELECT COUNT(1) FROM thread_trace_events WHERE workflow_run_id = ?`, runID,
	).Scan(&run.EventsCount); err != nil {
		return err
	}
	if _, err := s.exec(ctx, tx,
		`INSERT INTO thread_trace_runs (workflow_run_id, first_event_at, last_event_at, last_ingested_at, events_count, last_seq)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (workflow_run_id) DO UPDATE SET first_event_at = excluded.first_event_at,
		   last_event_at = excluded.last_event_at, last_ingested_at = excluded.last_ingested_at,
		   events_count = excluded.events_count, last_seq = excluded.last_seq`,
		runID, toNanos(run.FirstEventAt), toNanos(run.LastEventAt), toNanos(run.LastIngestedAt), run.EventsCount, run.LastSeq,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) lockedRun(ctx context.Context, tx *sql.Tx, runID string) (*trace.Run, error) {
	var first, last, ingested, seq int64
	run := &trace.Run{WorkflowRunID: runID}
	err := s.queryRow(ctx, tx,
		`SELECT first_event_at, last_event_at, last_ingested_at, last_seq FROM thread_trace_runs WHERE workflow_run_id = ?`+s.forUpdate(),
		runID,
	).Scan(&first, &last, &ingested, &seq)
	if isNoRows(err) {
		return run, nil
	}
	if err != nil {
		return nil, err
	}
	run.FirstEventAt = fromNanos(first)
	run.LastEventAt = fromNanos(last)
	run.LastIngestedAt = fromNanos(ingested)
	run.LastSeq = seq
	return run, nil
}

// ListRecords implements trace.Store.
func (s *Store) ListRecords(ctx context.Context, runID string) ([]trace.Record, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT record FROM thread_trace_events WHERE workflow_run_id = ? ORDER BY seq ASC, event_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []trace.Record{}
	for rows.Next() {
		var raw sql.NullString
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r trace.Record
		if err := unmarshalJSON(raw, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListSpans implements trace.Store.
func (s *Store) ListSpans(ctx context.Context, runID string) ([]trace.Span, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT span FROM thread_trace_spans WHERE workflow_run_id = ? ORDER BY started_at ASC, span_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []trace.Span{}
	for rows.Next() {
		var raw sql.NullString
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var span trace.Span
		if err := unmarshalJSON(raw, &span); err != nil {
			return nil, err
		}
		out = append(out, span)
	}
	return out, rows.Err()
}
