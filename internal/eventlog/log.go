package eventlog

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"gampwise/internal/faults"
)

// Log is the append-only event record of one run. Sequence numbers start at
// 1 and increase by one per append; appends are serialized so the log is a
// total order even when concurrent agents report results.
type Log struct {
	runID    string
	clock    func() time.Time
	observer Observer

	mu     sync.Mutex
	events []Event
	sealed bool
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithClock injects a deterministic clock (tests).
func WithClock(clock func() time.Time) LogOption {
	return func(l *Log) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithObserver attaches an observer notified after each append.
func WithObserver(obs Observer) LogOption {
	return func(l *Log) { l.observer = obs }
}

// NewLog creates an empty log for runID.
func NewLog(runID string, opts ...LogOption) *Log {
	l := &Log{runID: runID, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RunID returns the run this log belongs to.
func (l *Log) RunID() string { return l.runID }

// Append records a new event. Unknown types and appends after Seal are
// state-invariant violations.
func (l *Log) Append(t Type, stage string, payload map[string]any) (Event, error) {
	if !t.Valid() {
		return Event{}, faults.Invariant(stage, "unknown event type %q", t)
	}

	l.mu.Lock()
	if l.sealed {
		l.mu.Unlock()
		return Event{}, faults.Invariant(stage, "append %s to sealed log of run %s", t, l.runID)
	}
	ev := Event{
		ID:      uuid.New(),
		RunID:   l.runID,
		Seq:     uint64(len(l.events)) + 1,
		Type:    t,
		Stage:   stage,
		At:      l.clock().UTC(),
		Payload: copyPayload(payload),
	}
	l.events = append(l.events, ev)
	if t.Terminal() {
		l.sealed = true
	}
	obs := l.observer
	l.mu.Unlock()

	if obs != nil {
		obs.OnEvent(ev)
	}
	return ev, nil
}

// Seal rejects any further appends.
func (l *Log) Seal() {
	l.mu.Lock()
	l.sealed = true
	l.mu.Unlock()
}

// Sealed reports whether the log accepts appends.
func (l *Log) Sealed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sealed
}

// Events returns a copy of the log in sequence order.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Len returns the number of appended events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Has reports whether at least one event of type t was appended.
func (l *Log) Has(t Type) bool {
	_, ok := l.Last(t)
	return ok
}

// Last returns the most recent event of type t.
func (l *Log) Last(t Type) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == t {
			return l.events[i], true
		}
	}
	return Event{}, false
}

// Count returns how many events of type t were appended.
func (l *Log) Count(t Type) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// Require returns a state-invariant error unless an event of type t exists.
// Stages call it before doing work so a stage never runs ahead of the event
// that authorizes it.
func (l *Log) Require(t Type, stage string) (Event, error) {
	ev, ok := l.Last(t)
	if !ok {
		return Event{}, faults.Invariant(stage, "stage %s requires prior %s event", stage, t)
	}
	return ev, nil
}
