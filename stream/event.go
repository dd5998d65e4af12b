package stream

import (
	"time"

	"github.com/hupe1980/threadmesh/core"
)

// EventType discriminates the closed set of stream events.
type EventType string

const (
	EventContextCreated         EventType = "context.created"
	EventContextResolved        EventType = "context.resolved"
	EventContextStatusChanged   EventType = "context.status.changed"
	EventThreadCreated          EventType = "thread.created"
	EventThreadResolved         EventType = "thread.resolved"
	EventThreadStatusChanged    EventType = "thread.status.changed"
	EventExecutionCreated       EventType = "execution.created"
	EventExecutionStatusChanged EventType = "execution.status.changed"
	EventThreadFinished         EventType = "thread.finished"
	EventItemCreated            EventType = "item.created"
	EventItemStatusChanged      EventType = "item.status.changed"
	EventStepCreated            EventType = "step.created"
	EventStepStatusChanged      EventType = "step.status.changed"
	EventPartCreated            EventType = "part.created"
	EventPartUpdated            EventType = "part.updated"
	EventChunkEmitted           EventType = "chunk.emitted"
)

// Event is one lifecycle record. Which fields are populated depends on Type;
// Parse enforces the required set per type.
type Event struct {
	Type        EventType `json:"type"`
	At          time.Time `json:"at"`
	ContextID   string    `json:"contextId,omitempty"`
	ThreadID    string    `json:"threadId,omitempty"`
	ExecutionID string    `json:"executionId,omitempty"`
	StepID      string    `json:"stepId,omitempty"`
	ItemID      string    `json:"itemId,omitempty"`
	Status      string    `json:"status,omitempty"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	Result      string    `json:"result,omitempty"`
	Iteration   *int      `json:"iteration,omitempty"`
	PartKey     string    `json:"partKey,omitempty"`
	Idx         *int      `json:"idx,omitempty"`
	Part        core.Part `json:"part,omitempty"`
	ChunkType   string    `json:"chunkType,omitempty"`
	Data        any       `json:"data,omitempty"`
}

var now = func() time.Time { return time.Now().UTC() }

func intPtr(v int) *int { return &v }

// ContextCreated reports a freshly created context.
func ContextCreated(c *core.Context) Event {
	return Event{Type: EventContextCreated, At: now(), ContextID: c.ID, ThreadID: c.ThreadID, Status: string(c.Status)}
}

// ContextResolved reports an existing context picked up by a run.
func ContextResolved(c *core.Context) Event {
	return Event{Type: EventContextResolved, At: now(), ContextID: c.ID, ThreadID: c.ThreadID, Status: string(c.Status)}
}

// ContextStatusChanged reports a context status edge.
func ContextStatusChanged(contextID, threadID string, from, to core.ContextStatus) Event {
	return Event{Type: EventContextStatusChanged, At: now(), ContextID: contextID, ThreadID: threadID, From: string(from), To: string(to)}
}

// ThreadCreated reports a freshly created thread.
func ThreadCreated(t *core.Thread) Event {
	return Event{Type: EventThreadCreated, At: now(), ThreadID: t.ID, Status: string(t.Status)}
}

// ThreadResolved reports an existing thread picked up by a run.
func ThreadResolved(t *core.Thread) Event {
	return Event{Type: EventThreadResolved, At: now(), ThreadID: t.ID, Status: string(t.Status)}
}

// ThreadStatusChanged reports a thread status edge.
func ThreadStatusChanged(threadID string, from, to core.ThreadStatus) Event {
	return Event{Type: EventThreadStatusChanged, At: now(), ThreadID: threadID, From: string(from), To: string(to)}
}

// ExecutionCreated reports a new execution.
func ExecutionCreated(e *core.Execution) Event {
	return Event{Type: EventExecutionCreated, At: now(), ExecutionID: e.ID, ContextID: e.ContextID, ThreadID: e.ThreadID, Status: string(e.Status)}
}

// ExecutionStatusChanged reports an execution status edge.
func ExecutionStatusChanged(e *core.Execution, from, to core.ExecutionStatus) Event {
	return Event{Type: EventExecutionStatusChanged, At: now(), ExecutionID: e.ID, ContextID: e.ContextID, ThreadID: e.ThreadID, From: string(from), To: string(to)}
}

// ThreadFinished reports the terminal result of an execution.
func ThreadFinished(e *core.Execution, result core.ExecutionStatus) Event {
	return Event{Type: EventThreadFinished, At: now(), ThreadID: e.ThreadID, ContextID: e.ContextID, ExecutionID: e.ID, Result: string(result)}
}

// ItemCreated reports a persisted item. executionID may be empty.
func ItemCreated(item *core.Item, contextID, threadID, executionID string) Event {
	return Event{Type: EventItemCreated, At: now(), ItemID: item.ID, ContextID: contextID, ThreadID: threadID, ExecutionID: executionID, Status: string(item.Status)}
}

// ItemStatusChanged reports an item status edge.
func ItemStatusChanged(itemID, executionID string, from, to core.ItemStatus) Event {
	return Event{Type: EventItemStatusChanged, At: now(), ItemID: itemID, ExecutionID: executionID, From: string(from), To: string(to)}
}

// StepCreated reports a new step.
func StepCreated(s *core.Step) Event {
	return Event{Type: EventStepCreated, At: now(), StepID: s.ID, ExecutionID: s.ExecutionID, Iteration: intPtr(s.Iteration), Status: string(s.Status)}
}

// StepStatusChanged reports a step status edge.
func StepStatusChanged(stepID, executionID string, from, to core.StepStatus) Event {
	return Event{Type: EventStepStatusChanged, At: now(), StepID: stepID, ExecutionID: executionID, From: string(from), To: string(to)}
}

// PartCreated reports a newly persisted part.
func PartCreated(p core.StepPart) Event {
	return Event{Type: EventPartCreated, At: now(), PartKey: p.Key, StepID: p.StepID, Idx: intPtr(p.Idx), Part: p.Part}
}

// PartUpdated reports a part replaced in place.
func PartUpdated(p core.StepPart) Event {
	return Event{Type: EventPartUpdated, At: now(), PartKey: p.Key, StepID: p.StepID, Idx: intPtr(p.Idx), Part: p.Part}
}

// ChunkEmitted wraps a provider or engine chunk. executionID and stepID may
// be empty.
func ChunkEmitted(chunkType, contextID, executionID, stepID string, data any) Event {
	return Event{Type: EventChunkEmitted, At: now(), ChunkType: chunkType, ContextID: contextID, ExecutionID: executionID, StepID: stepID, Data: data}
}
