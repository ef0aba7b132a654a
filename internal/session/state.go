// state.go implements session state tracking for the session package.
//
// Each log session has a State (Idle, Connecting, Streaming, Disconnected,
// Reconnecting, Closed, Fatal) that is mutated only by the reconnect
// controller, so transitions are strictly sequential. Transitions are
// recorded in a fixed-size ring buffer (50 entries) for the status API and
// for debugging.

package session

import (
	"sync"
	"time"
)

// State represents the lifecycle state of a log session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateDisconnected
	StateReconnecting
	StateClosed
	StateFatal
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// MarshalText makes states render as their names in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// stateTransitionBufferSize is the maximum number of transitions retained
// per session.
const stateTransitionBufferSize = 50

// Transition records a single state change.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail"`
}

// stateLog tracks the current state and transition history for one session.
type stateLog struct {
	mu          sync.RWMutex
	current     State
	transitions [stateTransitionBufferSize]Transition // fixed-size ring buffer
	head        int                                   // next write position
	count       int                                   // entries written, capped at buffer size
}

// set updates the state and records the transition. Returns the previous
// state and whether the state actually changed.
func (l *stateLog) set(to State, detail string) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	from := l.current
	if from == to || from == StateClosed {
		// Closed is terminal; nothing transitions out of it.
		return from, false
	}
	l.current = to
	l.transitions[l.head] = Transition{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Detail:    detail,
	}
	l.head = (l.head + 1) % stateTransitionBufferSize
	if l.count < stateTransitionBufferSize {
		l.count++
	}
	return from, true
}

// state returns the current state.
func (l *stateLog) state() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// history returns the transitions in chronological order (oldest first).
func (l *stateLog) history() []Transition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.count == 0 {
		return nil
	}
	result := make([]Transition, l.count)
	if l.count < stateTransitionBufferSize {
		copy(result, l.transitions[:l.count])
	} else {
		// Buffer is full; head is the oldest entry.
		n := copy(result, l.transitions[l.head:])
		copy(result[n:], l.transitions[:l.head])
	}
	return result
}
