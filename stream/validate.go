package stream

import (
	"errors"
	"fmt"

	"github.com/hupe1980/threadmesh/core"
)

// ErrTimeline reports a timeline whose replay diverges from the recorded
// statuses.
var ErrTimeline = errors.New("invalid stream timeline")

var statusChangeKinds = map[EventType]core.EntityKind{
	EventContextStatusChanged:   core.EntityContext,
	EventThreadStatusChanged:    core.EntityThread,
	EventExecutionStatusChanged: core.EntityExecution,
	EventItemStatusChanged:      core.EntityItem,
	EventStepStatusChanged:      core.EntityStep,
}

// AssertTransitions re-validates status-changing events against the state
// contract. Other events pass unchanged.
func AssertTransitions(ev Event) error {
	kind, ok := statusChangeKinds[ev.Type]
	if !ok {
		return nil
	}
	return core.AssertTransition(kind, ev.From, ev.To)
}

// ValidateTimeline replays events in order and fails on the first illegal
// transition. Besides the per-edge check it tracks the last known status of
// every entity so a status change whose "from" disagrees with the replayed
// state is rejected as well.
func ValidateTimeline(events []Event) error {
	current := map[string]string{}
	for i, ev := range events {
		if err := AssertTransitions(ev); err != nil {
			return fmt.Errorf("event %d (%s): %w", i, ev.Type, err)
		}
		key, status, from, changed := entityState(ev)
		if key == "" {
			continue
		}
		if changed {
			if prev, known := current[key]; known && prev != from {
				return fmt.Errorf("%w: event %d (%s): %s is %q, not %q", ErrTimeline, i, ev.Type, key, prev, from)
			}
		}
		current[key] = status
	}
	return nil
}

// entityState returns the tracked entity key and its status after ev.
func entityState(ev Event) (key, status, from string, changed bool) {
	switch ev.Type {
	case EventContextCreated, EventContextResolved:
		return "context:" + ev.ContextID, ev.Status, "", false
	case EventThreadCreated, EventThreadResolved:
		return "thread:" + ev.ThreadID, ev.Status, "", false
	case EventExecutionCreated:
		return "execution:" + ev.ExecutionID, ev.Status, "", false
	case EventItemCreated:
		return "item:" + ev.ItemID, ev.Status, "", false
	case EventStepCreated:
		return "step:" + ev.StepID, ev.Status, "", false
	case EventContextStatusChanged:
		return "context:" + ev.ContextID, ev.To, ev.From, true
	case EventThreadStatusChanged:
		return "thread:" + ev.ThreadID, ev.To, ev.From, true
	case EventExecutionStatusChanged:
		return "execution:" + ev.ExecutionID, ev.To, ev.From, true
	case EventItemStatusChanged:
		return "item:" + ev.ItemID, ev.To, ev.From, true
	case EventStepStatusChanged:
		return "step:" + ev.StepID, ev.To, ev.From, true
	}
	return "", "", "", false
}
