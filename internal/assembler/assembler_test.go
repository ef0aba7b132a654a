package assembler

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"
)

// drain collects all currently buffered lines without blocking on an
// empty queue.
func drain(t *testing.T, a *Assembler) (lines []Line, dropped int) {
	t.Helper()
	for a.Len() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		line, d, err := a.Next(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		lines = append(lines, line)
		dropped += d
	}
	return lines, dropped
}

func TestReassemblyIndependentOfChunking(t *testing.T) {
	input := "alpha\nbravo\ncharlie\ndelta\necho\n"
	want := []string{"alpha", "bravo", "charlie", "delta", "echo"}

	// Every possible split of the input into two chunks, plus byte-at-a-time
	// and all-at-once delivery.
	var chunkings [][]string
	for i := 0; i <= len(input); i++ {
		chunkings = append(chunkings, []string{input[:i], input[i:]})
	}
	var bytewise []string
	for i := 0; i < len(input); i++ {
		bytewise = append(bytewise, input[i:i+1])
	}
	chunkings = append(chunkings, bytewise, []string{input})

	for ci, chunks := range chunkings {
		a := New(100)
		w := a.Writer(SourceStdout)
		for _, c := range chunks {
			if _, err := w.Write([]byte(c)); err != nil {
				t.Fatalf("chunking %d: Write: %v", ci, err)
			}
		}
		lines, dropped := drain(t, a)
		if dropped != 0 {
			t.Errorf("chunking %d: dropped %d lines", ci, dropped)
		}
		if len(lines) != len(want) {
			t.Fatalf("chunking %d: got %d lines, want %d", ci, len(lines), len(want))
		}
		for i, l := range lines {
			if l.Text != want[i] {
				t.Errorf("chunking %d: line %d = %q, want %q", ci, i, l.Text, want[i])
			}
		}
	}
}

func TestNewlineSplitAcrossChunks(t *testing.T) {
	a := New(10)
	w := a.Writer(SourceStdout)
	w.Write([]byte("line one\r"))
	w.Write([]byte("\nline two\n"))

	lines, _ := drain(t, a)
	if len(lines) != 2 || lines[0].Text != "line one" || lines[1].Text != "line two" {
		t.Errorf("lines = %+v", lines)
	}
}

func TestPartialHeldUntilEndOfStream(t *testing.T) {
	a := New(10)
	w := a.Writer(SourceStdout)
	w.Write([]byte("complete\nincomp"))

	lines, _ := drain(t, a)
	if len(lines) != 1 || lines[0].Text != "complete" {
		t.Fatalf("mid-stream lines = %+v", lines)
	}

	// More data extends the partial rather than flushing it.
	w.Write([]byte("lete"))
	if a.Len() != 0 {
		t.Fatal("partial flushed mid-stream")
	}

	a.EndStream()
	lines, _ = drain(t, a)
	if len(lines) != 1 || lines[0].Text != "incomplete" {
		t.Errorf("flushed partial = %+v", lines)
	}
}

func TestEvictionAggregatedNotification(t *testing.T) {
	const cap = 5
	const n = 12
	a := New(cap)
	w := a.Writer(SourceStdout)

	for i := 0; i < n; i++ {
		fmt.Fprintf(w, "line-%d\n", i)
	}

	lines, dropped := drain(t, a)
	if dropped != n-cap {
		t.Errorf("dropped = %d, want %d", dropped, n-cap)
	}
	if len(lines) != cap {
		t.Fatalf("retained %d lines, want %d", len(lines), cap)
	}
	// The retained lines are the most recent ones, in original order.
	for i, l := range lines {
		want := fmt.Sprintf("line-%d", n-cap+i)
		if l.Text != want {
			t.Errorf("retained[%d] = %q, want %q", i, l.Text, want)
		}
	}
}

func TestSequenceNumbersCountDrops(t *testing.T) {
	a := New(2)
	w := a.Writer(SourceStdout)
	w.Write([]byte("a\nb\nc\nd\n"))

	lines, dropped := drain(t, a)
	if dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
	// Dropped lines consumed sequence numbers 0 and 1.
	if lines[0].Seq != 2 || lines[1].Seq != 3 {
		t.Errorf("seqs = %d, %d; want 2, 3", lines[0].Seq, lines[1].Seq)
	}
}

func TestSequenceMonotonicAcrossStreams(t *testing.T) {
	a := New(100)
	w := a.Writer(SourceStdout)

	w.Write([]byte("first\n"))
	a.EndStream()
	a.AppendMarker("--- session closed ---")
	w.Write([]byte("second\n"))

	lines, _ := drain(t, a)
	if len(lines) != 3 {
		t.Fatalf("lines = %+v", lines)
	}
	for i := 1; i < len(lines); i++ {
		if lines[i].Seq != lines[i-1].Seq+1 {
			t.Errorf("seq not monotonic: %d then %d", lines[i-1].Seq, lines[i].Seq)
		}
	}
	if lines[1].Source != SourceMarker {
		t.Errorf("marker source = %s", lines[1].Source)
	}
}

func TestStderrSeparatePartialBuffer(t *testing.T) {
	a := New(10)
	out := a.Writer(SourceStdout)
	errw := a.Writer(SourceStderr)

	out.Write([]byte("out-part"))
	errw.Write([]byte("err: boom\n"))
	out.Write([]byte("ial\n"))

	lines, _ := drain(t, a)
	if len(lines) != 2 {
		t.Fatalf("lines = %+v", lines)
	}
	if lines[0].Text != "err: boom" || lines[0].Source != SourceStderr {
		t.Errorf("line 0 = %+v", lines[0])
	}
	if lines[1].Text != "out-partial" || lines[1].Source != SourceStdout {
		t.Errorf("line 1 = %+v", lines[1])
	}
}

func TestWaitCapacityBackpressure(t *testing.T) {
	a := New(3)
	w := a.Writer(SourceStdout)
	w.Write([]byte("1\n2\n3\n"))

	// Queue is full: WaitCapacity must block.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := a.WaitCapacity(ctx); err == nil {
		t.Fatal("WaitCapacity returned while queue full")
	}

	unblocked := make(chan error, 1)
	go func() {
		unblocked <- a.WaitCapacity(context.Background())
	}()

	if _, _, err := a.Next(context.Background()); err != nil {
		t.Fatalf("Next: %v", err)
	}

	select {
	case err := <-unblocked:
		if err != nil {
			t.Errorf("WaitCapacity after drain: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitCapacity still blocked after consumer drained")
	}
}

func TestNextBlocksUntilWrite(t *testing.T) {
	a := New(10)
	got := make(chan Line, 1)
	go func() {
		line, _, err := a.Next(context.Background())
		if err != nil {
			t.Errorf("Next: %v", err)
		}
		got <- line
	}()

	time.Sleep(20 * time.Millisecond)
	a.Writer(SourceStdout).Write([]byte("late\n"))

	select {
	case line := <-got:
		if line.Text != "late" {
			t.Errorf("line = %+v", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not wake on write")
	}
}

func TestCloseDrainsThenEOF(t *testing.T) {
	a := New(10)
	w := a.Writer(SourceStdout)
	w.Write([]byte("last\npart"))
	a.Close()

	line, _, err := a.Next(context.Background())
	if err != nil || line.Text != "last" {
		t.Fatalf("first Next after close = %+v, %v", line, err)
	}
	line, _, err = a.Next(context.Background())
	if err != nil || line.Text != "part" {
		t.Fatalf("flushed partial = %+v, %v", line, err)
	}
	if _, _, err := a.Next(context.Background()); err != io.EOF {
		t.Errorf("Next after drain = %v, want io.EOF", err)
	}

	// Writes after close are rejected.
	if _, err := w.Write([]byte("x\n")); err == nil {
		t.Error("Write after Close succeeded")
	}
}

func TestNextCancelled(t *testing.T) {
	a := New(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := a.Next(ctx); err != context.Canceled {
		t.Errorf("Next on cancelled ctx = %v", err)
	}
}
