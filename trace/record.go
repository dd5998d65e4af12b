package trace

import (
	"fmt"
	"time"

	"github.com/hupe1980/threadmesh/core"
)

// Kind classifies a trace record.
type Kind string

const (
	KindWorkflowRun     Kind = "workflow.run"
	KindWorkflowStep    Kind = "workflow.step"
	KindThreadRun       Kind = "thread.run"
	KindThreadContext   Kind = "thread.context"
	KindThreadExecution Kind = "thread.execution"
	KindThreadItem      Kind = "thread.item"
	KindThreadReview    Kind = "thread.review"
	KindThreadStep      Kind = "thread.step"
	KindThreadPart      Kind = "thread.part"
	KindThreadLLM       Kind = "thread.llm"
)

// Record is one trace event.
type Record struct {
	WorkflowRunID  string    `json:"workflowRunId"`
	EventID        string    `json:"eventId"`
	EventKind      Kind      `json:"eventKind"`
	Seq            int64     `json:"seq,omitempty"`
	EventAt        time.Time `json:"eventAt"`
	ContextKey     string    `json:"contextKey,omitempty"`
	SpanID         string    `json:"spanId,omitempty"`
	ParentSpanID   string    `json:"parentSpanId,omitempty"`
	ContextID      string    `json:"contextId,omitempty"`
	ExecutionID    string    `json:"executionId,omitempty"`
	StepID         string    `json:"stepId,omitempty"`
	ContextEventID string    `json:"contextEventId,omitempty"`
	ToolCallID     string    `json:"toolCallId,omitempty"`
	PartKey        string    `json:"partKey,omitempty"`
	PartIdx        *int      `json:"partIdx,omitempty"`
	IsDeleted      bool      `json:"isDeleted,omitempty"`

	AIProvider           string  `json:"aiProvider,omitempty"`
	AIModel              string  `json:"aiModel,omitempty"`
	PromptTokens         int     `json:"promptTokens,omitempty"`
	PromptTokensCached   int     `json:"promptTokensCached,omitempty"`
	PromptTokensUncached int     `json:"promptTokensUncached,omitempty"`
	CompletionTokens     int     `json:"completionTokens,omitempty"`
	TotalTokens          int     `json:"totalTokens,omitempty"`
	LatencyMs            int64   `json:"latencyMs,omitempty"`
	CacheCostUSD         float64 `json:"cacheCostUsd,omitempty"`
	ComputeCostUSD       float64 `json:"computeCostUsd,omitempty"`
	CostUSD              float64 `json:"costUsd,omitempty"`

	Payload any    `json:"payload,omitempty"`
	TestID  string `json:"testId,omitempty"`
}

// Span is the timing view of a step.
type Span struct {
	SpanID        string    `json:"spanId"`
	ParentSpanID  string    `json:"parentSpanId,omitempty"`
	WorkflowRunID string    `json:"workflowRunId"`
	ExecutionID   string    `json:"executionId,omitempty"`
	StepID        string    `json:"stepId,omitempty"`
	Kind          Kind      `json:"kind"`
	Name          string    `json:"name,omitempty"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"startedAt"`
	EndedAt       time.Time `json:"endedAt,omitzero"`
	Payload       any       `json:"payload,omitempty"`
}

// Run aggregates what is known about one workflow run.
type Run struct {
	WorkflowRunID  string    `json:"workflowRunId"`
	FirstEventAt   time.Time `json:"firstEventAt"`
	LastEventAt    time.Time `json:"lastEventAt"`
	LastIngestedAt time.Time `json:"lastIngestedAt"`
	EventsCount    int       `json:"eventsCount"`
	LastSeq        int64     `json:"lastSeq"`
}

// ContextEventID identifies a context record.
func ContextEventID(contextID string) string { return "thread_context:" + contextID }

// RunEventID identifies the thread run record of an execution.
func RunEventID(executionID string) string { return "thread_run:" + executionID }

// ExecutionEventID identifies the start record of an execution.
func ExecutionEventID(executionID string) string { return "thread_execution:" + executionID }

// ItemEventID identifies an item record.
func ItemEventID(itemID string) string { return "thread_item:" + itemID }

// StepEventID identifies a step record and its span.
func StepEventID(stepID string) string { return "thread_step:" + stepID }

// LLMEventID identifies the model usage record of a step.
func LLMEventID(stepID string) string { return "thread_llm:" + stepID }

// WorkflowRunEventID identifies the workflow run record.
func WorkflowRunEventID(runID string) string { return "workflow_run:" + runID }

// ExecutionStatusEventID identifies the terminal record of an execution.
func ExecutionStatusEventID(executionID string, status core.ExecutionStatus) string {
	return fmt.Sprintf("thread_execution:%s:%s", executionID, status)
}

// PartEventID identifies a persisted step part.
func PartEventID(stepID string, idx int) string {
	return fmt.Sprintf("thread_part:%s:%d", stepID, idx)
}

// ReviewEventID identifies an approval request for one tool call.
func ReviewEventID(executionID, toolCallID string) string {
	return fmt.Sprintf("thread_review:%s:%s", executionID, toolCallID)
}

// WithUsage copies normalized token usage onto r.
func (r Record) WithUsage(u core.Usage) Record {
	r.PromptTokens = u.PromptTokens
	r.PromptTokensCached = u.PromptTokensCached
	r.PromptTokensUncached = u.PromptTokensUncached
	r.CompletionTokens = u.CompletionTokens
	r.TotalTokens = u.TotalTokens
	return r
}

// Batches splits records into chunks of at most size records. A size <= 0
// yields a single batch.
func Batches(records []Record, size int) [][]Record {
	if len(records) == 0 {
		return nil
	}
	if size <= 0 || size >= len(records) {
		return [][]Record{records}
	}
	out := make([][]Record, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		out = append(out, records[start:end])
	}
	return out
}
