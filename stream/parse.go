package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidEvent is wrapped by every shape violation reported by Parse.
	ErrInvalidEvent = errors.New("invalid stream event")
	// ErrUnsupportedEvent reports an event type outside the closed set.
	ErrUnsupportedEvent = errors.New("unsupported thread stream event type")
)

type eventSchema struct {
	strings  []string
	numbers  []string
	optional []string
}

var eventSchemas = map[EventType]eventSchema{
	EventContextCreated:         {strings: []string{"contextId", "threadId", "status"}},
	EventContextResolved:        {strings: []string{"contextId", "threadId", "status"}},
	EventContextStatusChanged:   {strings: []string{"contextId", "threadId", "from", "to"}},
	EventThreadCreated:          {strings: []string{"threadId", "status"}},
	EventThreadResolved:         {strings: []string{"threadId", "status"}},
	EventThreadStatusChanged:    {strings: []string{"threadId", "from", "to"}},
	EventExecutionCreated:       {strings: []string{"executionId", "contextId", "threadId", "status"}},
	EventExecutionStatusChanged: {strings: []string{"executionId", "contextId", "threadId", "from", "to"}},
	EventThreadFinished:         {strings: []string{"threadId", "contextId", "executionId", "result"}},
	EventItemCreated:            {strings: []string{"itemId", "contextId", "threadId", "status"}, optional: []string{"executionId"}},
	EventItemStatusChanged:      {strings: []string{"itemId", "from", "to"}, optional: []string{"executionId"}},
	EventStepCreated:            {strings: []string{"stepId", "executionId", "status"}, numbers: []string{"iteration"}},
	EventStepStatusChanged:      {strings: []string{"stepId", "executionId", "from", "to"}},
	EventPartCreated:            {strings: []string{"partKey", "stepId"}, numbers: []string{"idx"}},
	EventPartUpdated:            {strings: []string{"partKey", "stepId"}, numbers: []string{"idx"}},
	EventChunkEmitted:           {strings: []string{"chunkType", "contextId"}, optional: []string{"executionId", "stepId"}},
}

// Types lists every supported event type.
func Types() []EventType {
	out := make([]EventType, 0, len(eventSchemas))
	for t := range eventSchemas {
		out = append(out, t)
	}
	return out
}

// Parse decodes and validates one JSON encoded event.
func Parse(data []byte) (Event, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: invalid thread stream event: expected object", ErrInvalidEvent)
	}
	return ParseMap(raw)
}

// ParseMap validates an already decoded event object against the shape of
// its type and converts it into an Event. Status changes must be legal
// edges of the state contract.
func ParseMap(raw map[string]any) (Event, error) {
	if raw == nil {
		return Event{}, fmt.Errorf("%w: invalid thread stream event: expected object", ErrInvalidEvent)
	}
	if err := requireString(raw, "type", "thread stream event.type"); err != nil {
		return Event{}, err
	}
	if err := requireString(raw, "at", "thread stream event.at"); err != nil {
		return Event{}, err
	}
	typ := EventType(raw["type"].(string))
	schema, ok := eventSchemas[typ]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, typ)
	}
	if _, err := time.Parse(time.RFC3339Nano, raw["at"].(string)); err != nil {
		return Event{}, fmt.Errorf("%w: invalid thread stream event.at: expected RFC3339 timestamp", ErrInvalidEvent)
	}
	for _, field := range schema.strings {
		if err := requireString(raw, field, string(typ)+"."+field); err != nil {
			return Event{}, err
		}
	}
	for _, field := range schema.numbers {
		if err := requireNumber(raw, field, string(typ)+"."+field); err != nil {
			return Event{}, err
		}
	}
	for _, field := range schema.optional {
		if _, present := raw[field]; !present {
			continue
		}
		if err := requireString(raw, field, string(typ)+"."+field); err != nil {
			return Event{}, err
		}
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	var ev Event
	if err := json.Unmarshal(encoded, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := AssertTransitions(ev); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return ev, nil
}

func requireString(raw map[string]any, field, label string) error {
	s, ok := raw[field].(string)
	if !ok || s == "" {
		return fmt.Errorf("%w: invalid %s: expected non-empty string", ErrInvalidEvent, label)
	}
	return nil
}

func requireNumber(raw map[string]any, field, label string) error {
	n, ok := raw[field].(float64)
	if !ok || math.IsNaN(n) {
		return fmt.Errorf("%w: invalid %s: expected number", ErrInvalidEvent, label)
	}
	return nil
}
