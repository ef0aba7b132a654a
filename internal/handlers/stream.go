// stream.go streams a session's ordered event stream to HTTP clients as
// server-sent events. Scrollback is replayed first so a viewer attaching
// mid-session sees recent history before the live tail.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/tailview/tailview/internal/session"
)

// StreamSession is the SSE endpoint. Query parameters:
//   - backlog: number of scrollback lines to replay first (default 100).
func StreamSession(w http.ResponseWriter, r *http.Request) {
	s, ok := Sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	backlog := 100
	if b := r.URL.Query().Get("backlog"); b != "" {
		if v, err := strconv.Atoi(b); err == nil && v >= 0 {
			backlog = v
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	// Subscribe before snapshotting the scrollback so no line falls in the
	// gap; the overlap is deduplicated by sequence number below.
	events, cancel := s.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	var lastSeq uint64
	seen := false
	lines := s.Scrollback()
	if backlog < len(lines) {
		lines = lines[len(lines)-backlog:]
	}
	for _, ln := range lines {
		writeSSE(w, session.Event{SessionID: s.ID, Type: session.EventLine, Line: &ln})
		lastSeq, seen = ln.Seq, true
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == session.EventLine && seen && ev.Line.Seq <= lastSeq {
				continue // already replayed from scrollback
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev session.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}
