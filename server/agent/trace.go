package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TraceEvent records one model or tool call.
type TraceEvent struct {
	Kind     string        `json:"kind"`
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Trace collects the events of one graph run.
type Trace struct {
	RunID string

	mu     sync.Mutex
	events []TraceEvent
}

func newTrace() *Trace {
	return &Trace{RunID: uuid.NewString()}
}

func (t *Trace) record(kind, name string, start time.Time, err error) {
	e := TraceEvent{Kind: kind, Name: name, Duration: time.Since(start)}
	if err != nil {
		e.Error = err.Error()
	}
	t.mu.Lock()
	t.events = append(t.events, e)
	t.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (t *Trace) Events() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TraceEvent(nil), t.events...)
}
