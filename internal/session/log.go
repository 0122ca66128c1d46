package session

import (
	"sync"

	"github.com/sandboxlabs/agentd/internal/ues"
)

// eventLog is a session's append-only, unbounded event log, retained in
// full for the life of the session so that any offset ever handed to a
// client remains resolvable.
type eventLog struct {
	mu     sync.RWMutex
	events []ues.Event
	nextSeq int64
}

func newEventLog() *eventLog {
	return &eventLog{}
}

// append assigns the next sequence number and timestamp-stamped event to
// the log and returns the stamped copy. Callers must hold the owning
// session's append lock so publish-order and log-order agree.
func (l *eventLog) append(e ues.Event) ues.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.Seq = l.nextSeq
	l.nextSeq++
	l.events = append(l.events, e)
	return e
}

// from returns every event with Seq > offset: offset is the last sequence
// number the caller has already seen, exclusive, so a negative offset (no
// events seen yet) returns the entire log. The result is a copy safe to
// hand to a caller outside the log's lock.
func (l *eventLog) from(offset int64) []ues.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := offset + 1
	if start < 0 {
		start = 0
	}
	if start >= l.nextSeq {
		return nil
	}
	out := make([]ues.Event, len(l.events)-int(start))
	copy(out, l.events[start:])
	return out
}

// len returns the current event count.
func (l *eventLog) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// last returns the most recently appended event and true, or the zero
// value and false if the log is empty.
func (l *eventLog) last() (ues.Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.events) == 0 {
		return ues.Event{}, false
	}
	return l.events[len(l.events)-1], true
}
