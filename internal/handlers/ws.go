// ws.go streams a session's event stream over a WebSocket, for clients
// that also want to push control actions (reconnect, fingerprint
// decisions) on the same connection.

package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/tailview/tailview/internal/session"
)

type wsControlMsg struct {
	Action   string `json:"action"` // "reconnect_now" or "fingerprint"
	Identity string `json:"identity,omitempty"`
	Accept   bool   `json:"accept,omitempty"`
}

// SessionWS upgrades to a WebSocket and relays session events to the
// client while accepting control messages from it.
func SessionWS(w http.ResponseWriter, r *http.Request) {
	s, ok := Sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[handlers] accept session websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancelCtx := context.WithCancel(r.Context())
	defer cancelCtx()

	events, cancelSub := s.Subscribe()
	defer cancelSub()

	// Reader: control messages from the client.
	go func() {
		defer cancelCtx()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg wsControlMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg.Action {
			case "reconnect_now":
				s.ReconnectNow()
			case "fingerprint":
				if Verifier != nil && s.OwnsIdentity(msg.Identity) {
					if err := Verifier.Resolve(msg.Identity, msg.Accept); err != nil {
						log.Printf("[handlers] ws fingerprint resolve: %v", err)
					}
				}
			}
		}
	}()

	// Writer: scrollback first, then the live stream. The subscription was
	// taken before the snapshot, so overlap is deduplicated by sequence.
	backlog := s.Scrollback()
	for _, ln := range backlog {
		if !writeWS(ctx, conn, session.Event{SessionID: s.ID, Type: session.EventLine, Line: &ln}) {
			return
		}
	}
	lastSeq, seen := uint64(0), false
	if len(backlog) > 0 {
		lastSeq, seen = backlog[len(backlog)-1].Seq, true
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
			if ev.Type == session.EventLine && seen && ev.Line.Seq <= lastSeq {
				continue
			}
			if !writeWS(ctx, conn, ev) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeWS(ctx context.Context, conn *websocket.Conn, ev session.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return true
	}
	return conn.Write(ctx, websocket.MessageText, data) == nil
}
