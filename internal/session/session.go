// Package session ties one log source to one supervised, reconnecting SSH
// stream. A LogSession owns a reconnect controller, a line assembler, and
// a scrollback buffer, and exposes an ordered event stream (lines, status
// changes, drop notices, fingerprint prompts) to any number of
// subscribers. Sessions are independent: no state is shared between them
// except the fingerprint store and credential source, which synchronize
// internally.

package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tailview/tailview/internal/assembler"
	"github.com/tailview/tailview/internal/endpoint"
	"github.com/tailview/tailview/internal/hostkeys"
)

// subscriberBuffer smooths bursts per subscriber; once it fills, emission
// blocks and backpressure propagates to the network read path.
const subscriberBuffer = 32

// StateSink observes committed state transitions, e.g. to persist session
// records. Called synchronously from the controller.
type StateSink func(id string, state State, detail string)

// Config carries everything a session needs at creation. Immutable once
// the session starts.
type Config struct {
	DeviceName string
	Primary    endpoint.Spec
	Secondary  *endpoint.Spec
	Command    string
	Scope      string
	MaxLines   int

	Connect       ConnectFunc
	Verifier      *hostkeys.Verifier // optional, enables fingerprint prompt events
	RetryInterval time.Duration
	OnState       StateSink // optional
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// LogSession is the public handle for one supervised log stream.
type LogSession struct {
	ID         string
	DeviceName string
	Primary    endpoint.Spec
	Secondary  *endpoint.Spec

	asm      *assembler.Assembler
	scroll   *lineLog
	states   *stateLog
	ctrl     *controller
	onState  StateSink
	unnotify func() // detaches the verifier callback; nil without a verifier

	identities map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}
	wg     sync.WaitGroup

	startOnce   sync.Once
	disposeOnce sync.Once

	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int
	ended   bool // set once the lifecycle goroutines have stopped

	// Count of lines handed to subscribers; guards marker ordering.
	delivered   atomic.Uint64
	deliveredCh chan struct{}
}

// New creates a session. Start must be called to begin connecting.
func New(cfg Config) *LogSession {
	maxLines := cfg.MaxLines
	if maxLines <= 0 {
		maxLines = 10000
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &LogSession{
		ID:          uuid.NewString(),
		DeviceName:  cfg.DeviceName,
		Primary:     cfg.Primary,
		Secondary:   cfg.Secondary,
		asm:         assembler.New(maxLines),
		scroll:      newLineLog(maxLines),
		states:      &stateLog{current: StateIdle},
		onState:     cfg.OnState,
		identities:  make(map[string]bool),
		ctx:         ctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
		subs:        make(map[int]*subscriber),
		deliveredCh: make(chan struct{}, 1),
	}

	s.identities[cfg.Primary.Identity(cfg.Scope)] = true
	if cfg.Primary.Bastion != nil {
		s.identities[cfg.Primary.Bastion.Identity(cfg.Scope)] = true
	}
	if cfg.Secondary != nil {
		s.identities[cfg.Secondary.Identity(cfg.Scope)] = true
		if cfg.Secondary.Bastion != nil {
			s.identities[cfg.Secondary.Bastion.Identity(cfg.Scope)] = true
		}
	}

	sel := endpoint.NewSelector(cfg.Primary, cfg.Secondary)
	s.ctrl = newController(s, sel, cfg.Connect, s.asm, cfg.RetryInterval)

	if cfg.Verifier != nil {
		s.unnotify = cfg.Verifier.OnDecisionNeeded(func(pd hostkeys.PendingDecision) {
			if !s.identities[pd.Identity] {
				return
			}
			// Out of band with the line stream; must not block the
			// handshake on a slow subscriber.
			go s.emit(Event{
				Type:      EventFingerprintDecision,
				Identity:  pd.Identity,
				Presented: pd.Presented,
				Pinned:    pd.Pinned,
			})
		})
	}

	return s
}

// Start launches the connection lifecycle. Safe to call once; later calls
// are no-ops.
func (s *LogSession) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			s.ctrl.run(s.ctx)
			// Ends the line stream once remaining lines are drained, for
			// the Fatal path as well as dispose.
			s.asm.Close()
		}()
		go func() {
			defer s.wg.Done()
			s.pumpLines()
		}()
		go func() {
			s.wg.Wait()
			s.finish()
		}()
	})
}

// ReconnectNow cancels a pending retry timer and retries immediately. A
// no-op unless the session is waiting in Reconnecting.
func (s *LogSession) ReconnectNow() {
	if s.states.state() != StateReconnecting {
		return
	}
	select {
	case s.ctrl.reconnectNow <- struct{}{}:
	default:
	}
}

// Dispose tears the session down synchronously: the in-flight attempt is
// cancelled, the timer cleared, the transport closed. When Dispose
// returns, no further events will be delivered and every subscriber
// channel is closed.
func (s *LogSession) Dispose() {
	s.disposeOnce.Do(func() {
		_, changed := s.states.set(StateClosed, "disposed")
		if changed && s.onState != nil {
			// The sink must see Closed so the session record is marked for
			// retention; only the subscriber stream goes quiet.
			s.onState(s.ID, StateClosed, "disposed")
		}
		close(s.closed)
		s.cancel()
		s.asm.Close()
		s.Start() // a never-started session still ends up Closed with subscribers released
		s.wg.Wait()
		s.finish()
	})
}

// State returns the current lifecycle state.
func (s *LogSession) State() State { return s.states.state() }

// Transitions returns the recent state transition history, oldest first.
func (s *LogSession) Transitions() []Transition { return s.states.history() }

// Scrollback returns the retained delivered lines, oldest first.
func (s *LogSession) Scrollback() []assembler.Line { return s.scroll.snapshot() }

// RetryAt reports when the pending reconnect attempt fires; the zero time
// when none is scheduled. Consumers derive the visible countdown from it.
func (s *LogSession) RetryAt() time.Time { return s.ctrl.retryAt() }

// OwnsIdentity reports whether a pin identity belongs to one of this
// session's endpoints (including bastion hops).
func (s *LogSession) OwnsIdentity(identity string) bool { return s.identities[identity] }

// Subscribe attaches a consumer to the ordered event stream. The returned
// cancel func detaches it; the channel is closed when the session ends.
func (s *LogSession) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}

	s.subMu.Lock()
	if s.ended {
		// Session already over (disposed or fatal); hand back a closed
		// channel so late attachers see end-of-stream, not silence.
		s.subMu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	select {
	case <-s.closed:
		s.subMu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	default:
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(sub.done)
		})
	}
	return sub.ch, cancel
}

// setState commits a transition, notifies the sink, and emits a status
// event. Only the controller calls it.
func (s *LogSession) setState(to State, detail string) {
	select {
	case <-s.closed:
		return
	default:
	}
	_, changed := s.states.set(to, detail)
	if !changed {
		return
	}
	if s.onState != nil {
		s.onState(s.ID, to, detail)
	}
	s.emit(Event{Type: EventStatus, State: to, Detail: detail})
}

// emit fans an event out to every subscriber. A full subscriber buffer
// blocks emission, which is the backpressure path back to the network.
func (s *LogSession) emit(ev Event) {
	ev.SessionID = s.ID
	ev.Timestamp = time.Now()

	s.subMu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-s.closed:
			return
		}
	}
}

// pumpLines drains the assembler into the event stream for the session's
// whole lifetime, surfacing aggregated drop notices ahead of the next
// line.
func (s *LogSession) pumpLines() {
	for {
		line, dropped, err := s.asm.Next(s.ctx)
		if err != nil {
			return
		}
		if dropped > 0 {
			s.emit(Event{Type: EventLinesDropped, Dropped: dropped})
		}
		ln := line
		s.scroll.append(ln)
		s.emit(Event{Type: EventLine, Line: &ln})
		s.delivered.Store(ln.Seq + 1)
		select {
		case s.deliveredCh <- struct{}{}:
		default:
		}
	}
}

// awaitDelivery blocks until the line with the given sequence number has
// been handed to subscribers. Returns false when the context ends first.
func (s *LogSession) awaitDelivery(ctx context.Context, seq uint64) bool {
	for {
		if s.delivered.Load() > seq {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-s.deliveredCh:
		}
	}
}

// finish releases what the session holds once its goroutines have
// stopped: the verifier callback is detached and every subscriber channel
// is closed. Idempotent; runs after the lifecycle goroutines end (the
// Fatal path included) and again from Dispose.
func (s *LogSession) finish() {
	if s.unnotify != nil {
		s.unnotify()
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.ended = true
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
}
