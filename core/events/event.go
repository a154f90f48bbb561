package events

import (
	"sync"

	"settlecore/core/types"
)

// Event represents a structured state change emitted by the settlement engine.
type Event interface {
	EventType() string
}

// Typed is implemented by events that render to the wire representation.
type Typed interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. HTTP, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Fanout forwards every event to each wrapped emitter in order.
type Fanout []Emitter

func (f Fanout) Emit(ev Event) {
	for _, e := range f {
		if e != nil {
			e.Emit(ev)
		}
	}
}

// Buffer keeps the most recent events in a bounded ring.
type Buffer struct {
	mu     sync.RWMutex
	limit  int
	seq    uint64
	events []Record
}

// Record is a buffered event with its monotonically increasing sequence number.
type Record struct {
	Seq   uint64       `json:"seq"`
	Event *types.Event `json:"event"`
}

func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = 1024
	}
	return &Buffer{limit: limit}
}

func (b *Buffer) Emit(ev Event) {
	if b == nil || ev == nil {
		return
	}
	rendered := &types.Event{Type: ev.EventType()}
	if typed, ok := ev.(Typed); ok {
		rendered = typed.Event()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.events = append(b.events, Record{Seq: b.seq, Event: rendered})
	if over := len(b.events) - b.limit; over > 0 {
		b.events = append(b.events[:0:0], b.events[over:]...)
	}
}

// Since returns buffered records with a sequence number above after, oldest first.
func (b *Buffer) Since(after uint64, max int) []Record {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Record, 0)
	for _, rec := range b.events {
		if rec.Seq <= after {
			continue
		}
		out = append(out, rec)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}
