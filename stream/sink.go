package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrSinkClosed is returned by Send after Close.
var ErrSinkClosed = errors.New("stream sink closed")

// Sink receives the live event stream of one or more runs. Send may block to
// apply backpressure; the engine never assumes an unbounded sink.
type Sink interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

// ChannelSink delivers events over a bounded channel.
type ChannelSink struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

var _ Sink = (*ChannelSink)(nil)

// NewChannelSink creates a sink whose channel buffers up to size events.
func NewChannelSink(size int) *ChannelSink {
	if size < 0 {
		size = 0
	}
	return &ChannelSink{ch: make(chan Event, size)}
}

// Events returns the receive side. It is closed by Close.
func (s *ChannelSink) Events() <-chan Event { return s.ch }

// Send blocks until the event is buffered or ctx is done.
func (s *ChannelSink) Send(ctx context.Context, ev Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSinkClosed
	}

	select {
	case s.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the channel. It is safe to call more than once.
func (s *ChannelSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)

	return nil
}

// MemorySink records events in memory and exposes snapshots.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
	closed bool
}

var _ Sink = (*MemorySink)(nil)

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{events: make([]Event, 0)}
}

// Send appends ev.
func (s *MemorySink) Send(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	s.events = append(s.events, ev)

	return nil
}

// Close marks the sink closed.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}

// Closed reports whether Close was called.
func (s *MemorySink) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.closed
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)

	return out
}

// OfType returns the recorded events of the given type.
func (s *MemorySink) OfType(t EventType) []Event {
	var out []Event
	for _, ev := range s.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Chunks returns the chunk types of recorded chunk.emitted events in order.
func (s *MemorySink) Chunks() []string {
	var out []string
	for _, ev := range s.OfType(EventChunkEmitted) {
		out = append(out, ev.ChunkType)
	}
	return out
}

// FuncSink adapts a function to Sink. Close is a no-op.
type FuncSink func(ctx context.Context, ev Event) error

// Send calls f.
func (f FuncSink) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Close does nothing.
func (f FuncSink) Close() error { return nil }

// Discard drops every event.
var Discard Sink = FuncSink(func(context.Context, Event) error { return nil })
