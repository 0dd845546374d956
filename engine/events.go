package engine

import "sync"

// EventKind identifies the type of event delivered to the caller's sink.
type EventKind string

const (
	// EventDelta carries a fragment of assistant text in arrival order.
	EventDelta EventKind = "delta"
	// EventNotice carries an out-of-band message, e.g. the streaming
	// fallback notice or the cancellation signal.
	EventNotice EventKind = "notice"
	// EventDone terminates the event sequence. Exactly one is delivered
	// per ExecuteStream call, whether the turn completed normally, was
	// cancelled, fell back to synchronous mode, or failed.
	EventDone EventKind = "done"
)

// Event is one unit of streamed output. Seq is strictly increasing within a
// single ExecuteStream call; Finished is true only on the final event.
type Event struct {
	Seq      int       `json:"seq"`
	Kind     EventKind `json:"kind"`
	Text     string    `json:"text,omitempty"`
	Finished bool      `json:"finished"`
}

// EventSink receives Events in strict order. Implementations must not block
// for long; the turn loop calls the sink inline.
type EventSink func(Event)

// sequencer stamps events with a strictly increasing sequence index and
// guarantees at most one terminal event reaches the sink.
type sequencer struct {
	sink EventSink
	seq  int
	done bool
	mu   sync.Mutex
}

func newSequencer(sink EventSink) *sequencer {
	return &sequencer{sink: sink}
}

func (s *sequencer) emit(kind EventKind, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.sink == nil {
		return
	}
	s.sink(Event{Seq: s.seq, Kind: kind, Text: text})
	s.seq++
}

// finish delivers the terminal event. Subsequent emits are dropped.
func (s *sequencer) finish(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	if s.sink == nil {
		return
	}
	s.sink(Event{Seq: s.seq, Kind: EventDone, Text: text, Finished: true})
	s.seq++
}
