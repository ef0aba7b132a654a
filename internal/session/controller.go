// controller.go implements the per-session reconnect loop.
//
// One controller owns one endpoint selector, one transport connection, and
// one line assembler. It is the only writer of the session state, so
// transitions are strictly sequential: at most one connection attempt, one
// live channel, and one pending retry timer exist at any time.
//
// Retry cadence is a fixed interval (5 seconds by default), not
// exponential backoff: a human watching a live log should be able to
// predict when the next attempt happens. A failed primary attempt falls
// through to the secondary endpoint immediately, without waiting for the
// timer; only when the cycle is exhausted does the timer start.

package session

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/tailview/tailview/internal/assembler"
	"github.com/tailview/tailview/internal/endpoint"
	"github.com/tailview/tailview/internal/logutil"
	"github.com/tailview/tailview/internal/transport"
)

// defaultRetryInterval is the fixed reconnect cadence.
const defaultRetryInterval = 5 * time.Second

// Conn is one live remote command execution. transport.Channel satisfies
// it; tests substitute fakes.
type Conn interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Done() <-chan struct{}
	Err() error
	Close() error
}

// ConnectFunc dials an endpoint and starts the remote log command.
type ConnectFunc func(ctx context.Context, ep endpoint.Spec) (Conn, error)

type controller struct {
	sess     *LogSession
	selector *endpoint.Selector
	connect  ConnectFunc
	asm      *assembler.Assembler
	retry    endpoint.RetryState
	interval time.Duration

	reconnectNow chan struct{}

	retryMu   sync.Mutex
	nextRetry time.Time
}

func newController(sess *LogSession, sel *endpoint.Selector, connect ConnectFunc, asm *assembler.Assembler, interval time.Duration) *controller {
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	return &controller{
		sess:         sess,
		selector:     sel,
		connect:      connect,
		asm:          asm,
		interval:     interval,
		reconnectNow: make(chan struct{}, 1),
	}
}

// run drives the session until the context is cancelled or a fatal
// configuration error is hit.
func (c *controller) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		// A manual trigger raised outside the Reconnecting wait is stale.
		select {
		case <-c.reconnectNow:
		default:
		}

		ep := c.selector.Next(c.retry)
		c.sess.setState(StateConnecting, fmt.Sprintf("attempt %d: %s (%s)", c.retry.Attempt+1, ep.Addr(), ep.Role))

		conn, err := c.connect(ctx, ep)
		if err != nil {
			c.retry.Attempt++
			c.retry.LastFailure = err.Error()

			switch transport.KindOf(err) {
			case transport.KindCancelled:
				return
			case transport.KindConfigurationInvalid:
				c.sess.setState(StateFatal, err.Error())
				return
			}

			log.Printf("[session %s] connect %s failed: %s", c.sess.ID, ep.Addr(), logutil.SanitizeForLog(err.Error()))

			if c.selector.Immediate(c.retry) {
				// The alternate endpoint gets its shot in the same cycle,
				// with no delay.
				continue
			}
			if !c.waitRetry(ctx, err.Error()) {
				return
			}
			continue
		}

		c.retry.Reset()
		c.sess.setState(StateStreaming, "connected to "+ep.Addr())

		reason := c.pump(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}

		c.sess.setState(StateDisconnected, reason)

		// The marker must reach consumers before any Reconnecting status
		// and before any line of the next stream.
		seq := c.asm.AppendMarker("--- session closed at " + time.Now().Format(time.RFC3339) + " ---")
		if !c.sess.awaitDelivery(ctx, seq) {
			return
		}
		if !c.waitRetry(ctx, reason) {
			return
		}
	}
}

// pump copies the channel's streams into the assembler until the remote
// command exits, the link dies, or the context is cancelled. Returns a
// human-readable disconnect reason.
func (c *controller) pump(ctx context.Context, conn Conn) string {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.copyStream(ctx, assembler.SourceStdout, conn.Stdout())
	}()
	go func() {
		defer wg.Done()
		c.copyStream(ctx, assembler.SourceStderr, conn.Stderr())
	}()

	select {
	case <-ctx.Done():
		conn.Close() // unblocks the readers
	case <-conn.Done():
	}
	wg.Wait()
	// Err is settled only once Done has closed; after Close that is
	// guaranteed to happen.
	<-conn.Done()

	// Flush trailing partial data as final lines of this stream.
	c.asm.EndStream()

	if err := conn.Err(); err != nil {
		return "stream ended: " + err.Error()
	}
	return "stream ended"
}

// copyStream reads chunks from one remote stream into the assembler,
// pausing while the line queue is full so a slow consumer throttles the
// network read path instead of growing memory.
func (c *controller) copyStream(ctx context.Context, source assembler.Source, r io.Reader) {
	w := c.asm.Writer(source)
	buf := make([]byte, 4096)
	for {
		if err := c.asm.WaitCapacity(ctx); err != nil {
			return
		}
		n, err := r.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// waitRetry parks in Reconnecting until the fixed interval elapses, a
// manual trigger arrives, or the context is cancelled. Returns false when
// the session should stop.
func (c *controller) waitRetry(ctx context.Context, detail string) bool {
	c.setNextRetry(time.Now().Add(c.interval))
	defer c.setNextRetry(time.Time{})

	c.sess.setState(StateReconnecting, fmt.Sprintf("retrying in %s (%s)", c.interval, detail))

	timer := time.NewTimer(c.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-c.reconnectNow:
		return true
	}
}

func (c *controller) setNextRetry(t time.Time) {
	c.retryMu.Lock()
	c.nextRetry = t
	c.retryMu.Unlock()
}

// retryAt reports when the pending retry fires; zero when no timer is
// pending. The session derives the visible countdown from it.
func (c *controller) retryAt() time.Time {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	return c.nextRetry
}
