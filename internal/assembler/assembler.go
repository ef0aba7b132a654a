// Package assembler reassembles raw SSH output bytes into complete log
// lines under backpressure.
//
// One Assembler lives for the whole lifetime of a log session, spanning
// reconnects, so line sequence numbers stay monotonic across physical
// connections. Chunks may split a line anywhere; trailing partial data is
// buffered per stream and flushed as a final line only at end-of-stream.
//
// The ready-line queue is bounded at the session's retention cap. A reader
// that honours WaitCapacity pauses while the queue is full (backpressure);
// writes arriving against a full queue evict the oldest line FIFO and the
// drops are reported as one aggregated count on the next consume, never
// one notification per line.
package assembler

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// Source tags where a line came from.
type Source string

const (
	SourceStdout Source = "stdout"
	SourceStderr Source = "stderr"
	SourceMarker Source = "marker"
)

// Line is one complete log line. Seq is monotonic for the owning session,
// including across reconnects; dropped lines consume sequence numbers, so
// consumers can detect gaps.
type Line struct {
	Text   string `json:"text"`
	Source Source `json:"source"`
	Seq    uint64 `json:"seq"`
}

// Assembler frames byte chunks into lines and hands them to one consumer.
// Writers and the consumer may run on different goroutines.
type Assembler struct {
	mu       sync.Mutex
	capacity int
	lines    []Line
	partial  map[Source][]byte
	nextSeq  uint64
	dropped  int
	closed   bool

	readyCh chan struct{} // signals the consumer that lines or close arrived
	spaceCh chan struct{} // signals writers that capacity freed up
}

// New creates an Assembler whose ready queue holds at most capacity lines.
func New(capacity int) *Assembler {
	if capacity < 1 {
		capacity = 1
	}
	return &Assembler{
		capacity: capacity,
		partial:  make(map[Source][]byte),
		readyCh:  make(chan struct{}, 1),
		spaceCh:  make(chan struct{}, 1),
	}
}

// Writer returns an io.Writer feeding chunks from the given source.
func (a *Assembler) Writer(source Source) io.Writer {
	return &sourceWriter{a: a, source: source}
}

type sourceWriter struct {
	a      *Assembler
	source Source
}

func (w *sourceWriter) Write(p []byte) (int, error) {
	a := w.a
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, io.ErrClosedPipe
	}

	buf := append(a.partial[w.source], p...)
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := buf[:idx]
		// Tolerate CRLF output from the remote command.
		line = bytes.TrimSuffix(line, []byte{'\r'})
		a.pushLocked(Line{Text: string(line), Source: w.source})
		buf = buf[idx+1:]
	}
	a.partial[w.source] = append(a.partial[w.source][:0], buf...)
	return len(p), nil
}

// AppendMarker enqueues a synthetic line, such as the session-closed
// marker, through the same ordered queue as real output. It returns the
// sequence number assigned to the marker so callers can order later
// status changes after its delivery.
func (a *Assembler) AppendMarker(text string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return a.nextSeq
	}
	seq := a.nextSeq
	a.pushLocked(Line{Text: text, Source: SourceMarker})
	return seq
}

// pushLocked assigns the sequence number and enqueues, evicting the oldest
// line when the queue is already at capacity. Caller holds a.mu.
func (a *Assembler) pushLocked(l Line) {
	l.Seq = a.nextSeq
	a.nextSeq++
	if len(a.lines) >= a.capacity {
		drop := len(a.lines) - a.capacity + 1
		a.lines = a.lines[drop:]
		a.dropped += drop
	}
	a.lines = append(a.lines, l)
	signal(a.readyCh)
}

// EndStream flushes buffered partial data as final (possibly incomplete)
// lines. Called when one physical connection's streams end; the assembler
// stays usable for the next connection.
func (a *Assembler) EndStream() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	for _, source := range []Source{SourceStdout, SourceStderr} {
		if buf := a.partial[source]; len(buf) > 0 {
			a.pushLocked(Line{Text: string(bytes.TrimSuffix(buf, []byte{'\r'})), Source: source})
			a.partial[source] = nil
		}
	}
}

// Close ends the assembler for good: partials are flushed and the consumer
// drains remaining lines before Next reports io.EOF.
func (a *Assembler) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	for _, source := range []Source{SourceStdout, SourceStderr} {
		if buf := a.partial[source]; len(buf) > 0 {
			a.pushLocked(Line{Text: string(bytes.TrimSuffix(buf, []byte{'\r'})), Source: source})
			a.partial[source] = nil
		}
	}
	a.closed = true
	a.mu.Unlock()
	signal(a.readyCh)
	signal(a.spaceCh)
}

// Next blocks until a line is ready, the assembler is closed and drained
// (io.EOF), or the context is cancelled. dropped is the number of lines
// evicted since the previous Next; the caller reports it before delivering
// the line.
func (a *Assembler) Next(ctx context.Context) (line Line, dropped int, err error) {
	for {
		a.mu.Lock()
		if len(a.lines) > 0 {
			line = a.lines[0]
			a.lines = a.lines[1:]
			dropped = a.dropped
			a.dropped = 0
			below := len(a.lines) < a.capacity
			a.mu.Unlock()
			if below {
				signal(a.spaceCh)
			}
			return line, dropped, nil
		}
		closed := a.closed
		a.mu.Unlock()

		if closed {
			return Line{}, 0, io.EOF
		}
		select {
		case <-a.readyCh:
		case <-ctx.Done():
			return Line{}, 0, ctx.Err()
		}
	}
}

// WaitCapacity blocks while the ready queue is full, pausing the transport
// read loop until the consumer drains below capacity. Returns immediately
// once space is available, the assembler is closed, or ctx is cancelled.
func (a *Assembler) WaitCapacity(ctx context.Context) error {
	for {
		a.mu.Lock()
		ok := len(a.lines) < a.capacity || a.closed
		a.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-a.spaceCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Len returns the number of buffered ready lines.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.lines)
}

// signal performs a non-blocking send on a 1-buffered wakeup channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
