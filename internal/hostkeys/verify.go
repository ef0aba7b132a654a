// Package hostkeys implements trust-on-first-use host key verification with
// pinned fingerprints and an explicit decision flow for pin mismatches.
//
// A mismatch does not fail the connection outright: verification returns
// NeedsDecision and parks the attempt until an external accept/reject
// arrives (surfaced to the user by the session's event stream). Accepting
// updates the pin through the PinStore; rejecting fails only the current
// attempt.
package hostkeys

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tailview/tailview/internal/logutil"
	"golang.org/x/crypto/ssh"
)

// Decision is the three-valued outcome of a host key check.
type Decision int

const (
	Accepted Decision = iota
	Rejected
	NeedsDecision
)

// String returns the human-readable name of the decision.
func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case NeedsDecision:
		return "needs_decision"
	default:
		return "unknown"
	}
}

// PinStore persists accepted fingerprints keyed by endpoint identity.
// Implementations must tolerate concurrent use from independent sessions.
type PinStore interface {
	Get(identity string) (fingerprint string, found bool, err error)
	Accept(identity, fingerprint string) error
}

// Fingerprint returns the SHA256 fingerprint of a host public key in the
// standard "SHA256:xxx" format.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// PendingDecision describes a host key mismatch awaiting an accept/reject.
type PendingDecision struct {
	Identity  string    `json:"identity"`
	Presented string    `json:"presented"`
	Pinned    string    `json:"pinned"`
	Since     time.Time `json:"since"`

	accepted bool          // valid after resolved is closed
	resolved chan struct{} // closed once Resolve supplies the outcome
}

// NotifyFunc is invoked when a mismatch needs an external decision.
// Called synchronously from the verifying goroutine.
type NotifyFunc func(PendingDecision)

// Verifier checks presented host keys against pinned fingerprints.
// Safe for concurrent use by multiple sessions.
type Verifier struct {
	store PinStore

	mu         sync.Mutex
	pending    map[string]*PendingDecision
	notify     map[int]NotifyFunc
	nextNotify int
}

// NewVerifier creates a Verifier over the given store.
func NewVerifier(store PinStore) *Verifier {
	return &Verifier{
		store:   store,
		pending: make(map[string]*PendingDecision),
		notify:  make(map[int]NotifyFunc),
	}
}

// OnDecisionNeeded registers a callback invoked whenever a mismatch begins
// waiting for a decision. The returned func unregisters it; callers that
// come and go (sessions on a shared verifier) must call it on teardown.
func (v *Verifier) OnDecisionNeeded(fn NotifyFunc) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextNotify
	v.nextNotify++
	v.notify[id] = fn
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.notify, id)
	}
}

// Check performs the non-blocking three-valued verification: unset pin is
// recorded and accepted (trust on first use), a matching pin is accepted,
// a differing pin needs a decision.
func (v *Verifier) Check(identity, presented string) (Decision, error) {
	pinned, found, err := v.store.Get(identity)
	if err != nil {
		return Rejected, fmt.Errorf("load pin for %s: %w", logutil.SanitizeForLog(identity), err)
	}
	if !found || pinned == "" {
		if err := v.store.Accept(identity, presented); err != nil {
			return Rejected, fmt.Errorf("record first-use pin for %s: %w", logutil.SanitizeForLog(identity), err)
		}
		log.Printf("[hostkeys] pinned %s on first use (%s)", logutil.SanitizeForLog(identity), presented)
		return Accepted, nil
	}
	if pinned == presented {
		return Accepted, nil
	}
	return NeedsDecision, nil
}

// Verify runs Check and, on NeedsDecision, blocks until Resolve is called
// for the identity or the context is cancelled. An accepted changed
// fingerprint updates the pin before returning.
func (v *Verifier) Verify(ctx context.Context, identity, presented string) (Decision, error) {
	d, err := v.Check(identity, presented)
	if err != nil || d != NeedsDecision {
		return d, err
	}

	pinned, _, _ := v.store.Get(identity)

	v.mu.Lock()
	// One pending decision per identity; a concurrent attempt for the same
	// identity shares the first one's outcome channel.
	pd, exists := v.pending[identity]
	if !exists {
		pd = &PendingDecision{
			Identity:  identity,
			Presented: presented,
			Pinned:    pinned,
			Since:     time.Now(),
			resolved:  make(chan struct{}),
		}
		v.pending[identity] = pd
	}
	notify := make([]NotifyFunc, 0, len(v.notify))
	for _, fn := range v.notify {
		notify = append(notify, fn)
	}
	v.mu.Unlock()

	if !exists {
		log.Printf("[hostkeys] fingerprint mismatch for %s: pinned %s, presented %s — awaiting decision",
			logutil.SanitizeForLog(identity), pinned, presented)
		for _, fn := range notify {
			fn(*pd)
		}
	}

	select {
	case <-pd.resolved:
		if !pd.accepted {
			return Rejected, nil
		}
		if err := v.store.Accept(identity, presented); err != nil {
			return Rejected, fmt.Errorf("update pin for %s: %w", logutil.SanitizeForLog(identity), err)
		}
		log.Printf("[hostkeys] updated pin for %s after explicit accept", logutil.SanitizeForLog(identity))
		return Accepted, nil
	case <-ctx.Done():
		v.clearPending(identity, pd)
		return Rejected, ctx.Err()
	}
}

// Resolve supplies the external accept/reject for a pending mismatch.
// Returns an error if nothing is pending for the identity.
func (v *Verifier) Resolve(identity string, accept bool) error {
	v.mu.Lock()
	pd, ok := v.pending[identity]
	if ok {
		delete(v.pending, identity)
	}
	v.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending decision for %s", logutil.SanitizeForLog(identity))
	}
	pd.accepted = accept
	close(pd.resolved)
	return nil
}

// clearPending drops a pending entry if it still references pd.
func (v *Verifier) clearPending(identity string, pd *PendingDecision) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.pending[identity]; ok && cur == pd {
		delete(v.pending, identity)
	}
}

// Pending returns the mismatches currently awaiting a decision.
func (v *Verifier) Pending() []PendingDecision {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]PendingDecision, 0, len(v.pending))
	for _, pd := range v.pending {
		out = append(out, *pd)
	}
	return out
}
