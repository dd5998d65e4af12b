package trace

import (
	"context"
	"sort"
	"sync"
)

// Store persists trace records, spans and per-run aggregates.
type Store interface {
	// GetRun returns the run aggregate or nil when the run is unknown.
	GetRun(ctx context.Context, runID string) (*Run, error)
	// WriteTrace upserts records by event id and spans by span id, then
	// refreshes the run aggregate.
	WriteTrace(ctx context.Context, runID string, records []Record, spans []Span) error
	// ListRecords returns the records of a run ordered by seq.
	ListRecords(ctx context.Context, runID string) ([]Record, error)
	// ListSpans returns the spans of a run ordered by start time.
	ListSpans(ctx context.Context, runID string) ([]Span, error)
}

// MemoryStore is a process local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]*Run
	records map[string]map[string]Record
	spans   map[string]map[string]Span
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty in-memory trace store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    map[string]*Run{},
		records: map[string]map[string]Record{},
		spans:   map[string]map[string]Span{},
	}
}

// GetRun implements Store.
func (s *MemoryStore) GetRun(_ context.Context, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	out := *run
	return &out, nil
}

// WriteTrace implements Store.
func (s *MemoryStore) WriteTrace(_ context.Context, runID string, records []Record, spans []Span) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.records[runID]
	if recs == nil {
		recs = map[string]Record{}
		s.records[runID] = recs
	}
	for _, r := range records {
		recs[r.EventID] = r
	}

	sp := s.spans[runID]
	if sp == nil {
		sp = map[string]Span{}
		s.spans[runID] = sp
	}
	for _, span := range spans {
		sp[span.SpanID] = MergeSpan(sp[span.SpanID], span)
	}

	run := s.runs[runID]
	if run == nil {
		run = &Run{WorkflowRunID: runID}
		s.runs[runID] = run
	}
	UpdateRun(run, records)
	run.EventsCount = len(recs)
	return nil
}

// ListRecords implements Store.
func (s *MemoryStore) ListRecords(_ context.Context, runID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records[runID]))
	for _, r := range s.records[runID] {
		out = append(out, r)
	}
	SortRecords(out)
	return out, nil
}

// ListSpans implements Store.
func (s *MemoryStore) ListSpans(_ context.Context, runID string) ([]Span, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Span, 0, len(s.spans[runID]))
	for _, span := range s.spans[runID] {
		out = append(out, span)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SpanID < out[j].SpanID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// SortRecords orders records by seq, then event id.
func SortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Seq == records[j].Seq {
			return records[i].EventID < records[j].EventID
		}
		return records[i].Seq < records[j].Seq
	})
}

// MergeSpan folds next into prev. The earliest start wins; status, end and
// payload follow the newer write.
func MergeSpan(prev, next Span) Span {
	if prev.SpanID == "" {
		return next
	}
	out := next
	if !prev.StartedAt.IsZero() && (out.StartedAt.IsZero() || prev.StartedAt.Before(out.StartedAt)) {
		out.StartedAt = prev.StartedAt
	}
	if out.EndedAt.IsZero() {
		out.EndedAt = prev.EndedAt
	}
	if out.Payload == nil {
		out.Payload = prev.Payload
	}
	return out
}

// UpdateRun widens the run's time window and last seq with records. The
// events count is left to the caller, which knows how many distinct event
// ids are persisted.
func UpdateRun(run *Run, records []Record) {
	for _, r := range records {
		if run.FirstEventAt.IsZero() || r.EventAt.Before(run.FirstEventAt) {
			run.FirstEventAt = r.EventAt
		}
		if r.EventAt.After(run.LastEventAt) {
			run.LastEventAt = r.EventAt
		}
		if r.Seq > run.LastSeq {
			run.LastSeq = r.Seq
		}
	}
	run.LastIngestedAt = now()
}
