package logging

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventKind enumerates the funnel outcomes worth observing.
type EventKind string

const (
	EventAdvanced  EventKind = "advanced"
	EventNoMatch   EventKind = "no_match"
	EventEscalated EventKind = "escalated"
	EventAbandoned EventKind = "abandoned"
	EventNudged    EventKind = "nudged"
	EventHandoff   EventKind = "handoff"
	EventPollError EventKind = "poll_error"
)

// Event is one structured funnel occurrence. Tests assert on these instead
// of parsing log output.
type Event struct {
	Kind           EventKind
	ConversationID string
	NodeID         string
	Phase          string
	Detail         string
	At             time.Time
}

// Recorder receives funnel events. Implementations must be safe for
// concurrent use; pollers emit from independent goroutines.
type Recorder interface {
	Record(ev Event)
}

// LogRecorder writes events through zerolog.
type LogRecorder struct {
	logger zerolog.Logger
}

func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	r.logger.Info().
		Str("event", string(ev.Kind)).
		Str("conversation_id", ev.ConversationID).
		Str("node", ev.NodeID).
		Str("phase", ev.Phase).
		Str("detail", ev.Detail).
		Msg("funnel event")
}

// MemoryRecorder buffers events for test assertions.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded so far.
func (r *MemoryRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByKind filters recorded events to one kind.
func (r *MemoryRecorder) ByKind(kind EventKind) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
