package endpoint

// RetryState tracks consecutive failed connection attempts within one
// reconnect cycle. It is reset whenever a connection reaches streaming.
type RetryState struct {
	Attempt     int    // consecutive failures since the last successful stream
	LastFailure string // human-readable reason of the most recent failure
}

// Reset clears the state after a successful connection.
func (r *RetryState) Reset() {
	r.Attempt = 0
	r.LastFailure = ""
}

// Selector decides which endpoint the next connection attempt targets.
//
// Attempts alternate starting with the primary. When a secondary is
// configured, a primary failure is followed immediately by a secondary
// attempt in the same cycle; a secondary failure falls back to the primary
// on the normal retry cadence. Without a secondary, every attempt targets
// the primary.
type Selector struct {
	primary   Spec
	secondary *Spec
}

// NewSelector builds a Selector. secondary may be nil.
func NewSelector(primary Spec, secondary *Spec) *Selector {
	return &Selector{primary: primary, secondary: secondary}
}

// Next returns the endpoint the attempt at retry.Attempt should target.
func (s *Selector) Next(retry RetryState) Spec {
	if s.secondary != nil && retry.Attempt%2 == 1 {
		return *s.secondary
	}
	return s.primary
}

// Immediate reports whether the attempt at retry.Attempt should run without
// waiting for the retry interval. Only the secondary attempt directly
// following a primary failure runs immediately.
func (s *Selector) Immediate(retry RetryState) bool {
	return s.secondary != nil && retry.Attempt%2 == 1
}

// HasSecondary reports whether a secondary endpoint is configured.
func (s *Selector) HasSecondary() bool {
	return s.secondary != nil
}
