package trace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/threadmesh/logging"
)

var now = func() time.Time { return time.Now().UTC() }

var (
	// ErrMissingRunID is returned for records without a workflow run id.
	ErrMissingRunID = errors.New("trace record missing workflowRunId")
	// ErrSeqRegression is returned for an explicit Seq that does not exceed
	// the run's last sequence number.
	ErrSeqRegression = errors.New("trace record seq does not increase")
)

// Exporter ships records to an external collector.
type Exporter interface {
	Export(ctx context.Context, records []Record) error
}

// RecorderOptions configure a Recorder.
type RecorderOptions struct {
	// Exporter receives every persisted batch. Optional.
	Exporter Exporter
	// BatchSize bounds the records per export call. Zero exports everything at once.
	BatchSize int
	// Strict surfaces write failures instead of logging them.
	Strict bool
	Logger logging.Logger
}

// Recorder assigns sequence numbers, derives spans and persists trace
// records. It is safe for concurrent use.
type Recorder struct {
	store Store
	opts  RecorderOptions
	mu    sync.Mutex
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store Store, optFns ...func(o *RecorderOptions)) *Recorder {
	opts := RecorderOptions{BatchSize: 200}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Recorder{store: store, opts: opts}
}

// Store returns the underlying trace store.
func (r *Recorder) Store() Store { return r.store }

// Record persists records. Records with Seq == 0 get the next sequence
// number of their run, continuing after the highest persisted value. An
// explicit Seq must be greater than every earlier one of its run, otherwise
// the batch is refused with ErrSeqRegression. A nil Recorder is a no-op.
func (r *Recorder) Record(ctx context.Context, records ...Record) error {
	if r == nil || len(records) == 0 {
		return nil
	}
	if err := r.record(ctx, records); err != nil {
		if r.opts.Strict {
			return err
		}
		r.opts.Logger.Warn("thread.trace.write_failed", "error", err.Error(), "records", len(records))
	}
	return nil
}

func (r *Recorder) record(ctx context.Context, records []Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order := []string{}
	byRun := map[string][]Record{}
	for _, rec := range records {
		if rec.WorkflowRunID == "" {
			return fmt.Errorf("%w: eventId=%s", ErrMissingRunID, rec.EventID)
		}
		if _, ok := byRun[rec.WorkflowRunID]; !ok {
			order = append(order, rec.WorkflowRunID)
		}
		byRun[rec.WorkflowRunID] = append(byRun[rec.WorkflowRunID], rec)
	}

	for _, runID := range order {
		batch, err := r.assignSeq(ctx, runID, byRun[runID])
		if err != nil {
			return err
		}
		if err := r.store.WriteTrace(ctx, runID, batch, spansFor(batch)); err != nil {
			return fmt.Errorf("write trace for run %s: %w", runID, err)
		}
		if r.opts.Exporter == nil {
			continue
		}
		for _, chunk := range Batches(batch, r.opts.BatchSize) {
			if err := r.opts.Exporter.Export(ctx, chunk); err != nil {
				return fmt.Errorf("export trace for run %s: %w", runID, err)
			}
		}
	}
	return nil
}

func (r *Recorder) assignSeq(ctx context.Context, runID string, records []Record) ([]Record, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load trace run %s: %w", runID, err)
	}
	var last int64
	if run != nil {
		last = run.LastSeq
	}
	out := make([]Record, len(records))
	for i, rec := range records {
		if rec.EventAt.IsZero() {
			rec.EventAt = now()
		}
		switch {
		case rec.Seq == 0:
			last++
			rec.Seq = last
		case rec.Seq <= last:
			return nil, fmt.Errorf("%w: run %s eventId=%s seq=%d last=%d", ErrSeqRegression, runID, rec.EventID, rec.Seq, last)
		default:
			last = rec.Seq
		}
		out[i] = rec
	}
	return out, nil
}

func spansFor(records []Record) []Span {
	var spans []Span
	for _, rec := range records {
		if rec.EventKind != KindThreadStep && rec.EventKind != KindWorkflowStep {
			continue
		}
		id := rec.SpanID
		if id == "" {
			id = rec.StepID
		}
		if id == "" {
			id = rec.EventID
		}
		status := payloadString(rec.Payload, "status")
		if status == "" {
			status = "completed"
		}
		span := Span{
			SpanID:        id,
			ParentSpanID:  rec.ParentSpanID,
			WorkflowRunID: rec.WorkflowRunID,
			ExecutionID:   rec.ExecutionID,
			StepID:        rec.StepID,
			Kind:          rec.EventKind,
			Name:          string(rec.EventKind),
			Status:        status,
			StartedAt:     rec.EventAt,
			Payload:       rec.Payload,
		}
		if status != "running" {
			span.EndedAt = rec.EventAt
		}
		spans = append(spans, span)
	}
	return spans
}

func payloadString(payload any, key string) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
