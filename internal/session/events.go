// events.go defines the ordered event stream a log session exposes to
// consumers, and the scrollback buffer that lets a viewer attaching
// mid-session see recent lines before the live tail.

package session

import (
	"sync"
	"time"

	"github.com/tailview/tailview/internal/assembler"
)

// EventType defines the type of session event.
type EventType string

const (
	// EventLine carries one complete log line (or synthetic marker).
	EventLine EventType = "line"
	// EventStatus reports a state machine transition.
	EventStatus EventType = "status"
	// EventLinesDropped reports lines evicted under backpressure since the
	// previous delivered line. One aggregated event per drop episode.
	EventLinesDropped EventType = "lines_dropped"
	// EventFingerprintDecision reports a host key mismatch awaiting an
	// accept/reject decision.
	EventFingerprintDecision EventType = "fingerprint_decision_needed"
)

// Event is one entry in a session's ordered event stream.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// EventLine
	Line *assembler.Line `json:"line,omitempty"`

	// EventStatus
	State  State  `json:"state,omitempty"`
	Detail string `json:"detail,omitempty"`

	// EventLinesDropped
	Dropped int `json:"dropped,omitempty"`

	// EventFingerprintDecision
	Identity  string `json:"identity,omitempty"`
	Presented string `json:"presented,omitempty"`
	Pinned    string `json:"pinned,omitempty"`
}

// lineLog is a fixed-capacity scrollback of delivered lines. Oldest lines
// are overwritten once the buffer is full.
type lineLog struct {
	mu    sync.RWMutex
	lines []assembler.Line
	head  int
	count int
}

func newLineLog(capacity int) *lineLog {
	return &lineLog{lines: make([]assembler.Line, capacity)}
}

func (l *lineLog) append(line assembler.Line) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines[l.head] = line
	l.head = (l.head + 1) % len(l.lines)
	if l.count < len(l.lines) {
		l.count++
	}
}

// snapshot returns the retained lines in delivery order (oldest first).
func (l *lineLog) snapshot() []assembler.Line {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.count == 0 {
		return nil
	}
	result := make([]assembler.Line, l.count)
	if l.count < len(l.lines) {
		copy(result, l.lines[:l.count])
	} else {
		n := copy(result, l.lines[l.head:])
		copy(result[n:], l.lines[:l.head])
	}
	return result
}
