// sessions.go implements the session control surface: create a supervised
// log stream (from a stored device or an inline endpoint spec), inspect
// it, trigger an immediate reconnect, resolve host key decisions, and tear
// it down.

package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tailview/tailview/internal/config"
	"github.com/tailview/tailview/internal/credentials"
	"github.com/tailview/tailview/internal/database"
	"github.com/tailview/tailview/internal/devices"
	"github.com/tailview/tailview/internal/endpoint"
	"github.com/tailview/tailview/internal/hostkeys"
	"github.com/tailview/tailview/internal/logutil"
	"github.com/tailview/tailview/internal/session"
	"github.com/tailview/tailview/internal/transport"
)

// Shared collaborators, set from main.go during init.
var (
	Sessions *session.Registry
	Verifier *hostkeys.Verifier
	Creds    credentials.Source
)

// NewConnector builds the dial function for one session. A package var so
// tests can substitute a fake transport.
var NewConnector = func(command string) session.ConnectFunc {
	tr := transport.New(transport.Config{
		Command:  command,
		Scope:    config.Cfg.Workspace,
		Verifier: Verifier,
		Creds:    Creds,
		Timeout:  config.Cfg.ConnectTimeoutDuration(),
	})
	return func(ctx context.Context, ep endpoint.Spec) (session.Conn, error) {
		ch, err := tr.Connect(ctx, ep)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

type hostPayload struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type bastionPayload struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
}

type createSessionRequest struct {
	// Either a stored device name...
	Device string `json:"device,omitempty"`

	// ...or an inline spec.
	Primary   *hostPayload    `json:"primary,omitempty"`
	Secondary *hostPayload    `json:"secondary,omitempty"`
	Bastion   *bastionPayload `json:"bastion,omitempty"`
	Username  string          `json:"username,omitempty"`
	Command   string          `json:"command,omitempty"`
	MaxLines  int             `json:"max_lines,omitempty"`
}

type sessionView struct {
	ID         string     `json:"id"`
	Device     string     `json:"device,omitempty"`
	Target     string     `json:"target"`
	State      string     `json:"state"`
	RetryAt    *time.Time `json:"retry_at,omitempty"`
	Secondary  string     `json:"secondary,omitempty"`
	LineCount  int        `json:"line_count"`
	PendingFps int        `json:"pending_fingerprints"`
}

func viewOf(s *session.LogSession) sessionView {
	v := sessionView{
		ID:        s.ID,
		Device:    s.DeviceName,
		Target:    s.Primary.Username + "@" + s.Primary.Addr(),
		State:     s.State().String(),
		LineCount: len(s.Scrollback()),
	}
	if s.Secondary != nil {
		v.Secondary = s.Secondary.Username + "@" + s.Secondary.Addr()
	}
	if at := s.RetryAt(); !at.IsZero() {
		v.RetryAt = &at
	}
	if Verifier != nil {
		for _, pd := range Verifier.Pending() {
			if s.OwnsIdentity(pd.Identity) {
				v.PendingFps++
			}
		}
	}
	return v
}

// CreateSession opens a new supervised log stream and starts connecting.
func CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var (
		primary   endpoint.Spec
		secondary *endpoint.Spec
		command   string
		maxLines  int
		devName   string
	)

	if req.Device != "" {
		dev, err := database.GetDeviceByName(req.Device)
		if err != nil {
			writeError(w, http.StatusNotFound, "Device not found")
			return
		}
		primary, secondary = devices.Endpoints(dev)
		command = dev.Command
		maxLines = dev.MaxLines
		devName = dev.Name
	} else {
		if req.Primary == nil {
			writeError(w, http.StatusBadRequest, "Either device or primary endpoint is required")
			return
		}
		var bastion *endpoint.Bastion
		if req.Bastion != nil {
			bastion = &endpoint.Bastion{
				Host:     req.Bastion.Host,
				Port:     defaultPort(req.Bastion.Port),
				Username: req.Bastion.Username,
			}
		}
		primary = endpoint.Spec{
			Host:     req.Primary.Host,
			Port:     defaultPort(req.Primary.Port),
			Username: req.Username,
			Role:     endpoint.RolePrimary,
			Bastion:  bastion,
		}
		if req.Secondary != nil {
			secondary = &endpoint.Spec{
				Host:     req.Secondary.Host,
				Port:     defaultPort(req.Secondary.Port),
				Username: req.Username,
				Role:     endpoint.RoleSecondary,
				Bastion:  bastion,
			}
		}
		command = req.Command
		maxLines = req.MaxLines
	}

	if err := primary.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if secondary != nil {
		if err := secondary.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := endpoint.ValidateCommand(command); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if maxLines <= 0 {
		maxLines = config.Cfg.MaxLines
	}

	s := session.New(session.Config{
		DeviceName:    devName,
		Primary:       primary,
		Secondary:     secondary,
		Command:       command,
		Scope:         config.Cfg.Workspace,
		MaxLines:      maxLines,
		Connect:       NewConnector(command),
		Verifier:      Verifier,
		RetryInterval: config.Cfg.RetryIntervalDuration(),
		OnState: func(id string, st session.State, detail string) {
			database.RecordSessionState(id, st.String())
		},
	})

	rec := database.SessionRecord{
		ID:         s.ID,
		DeviceName: devName,
		Target:     primary.Username + "@" + primary.Addr(),
		State:      session.StateIdle.String(),
	}
	if err := database.DB.Create(&rec).Error; err != nil {
		log.Printf("[handlers] record session %s: %v", s.ID, err)
	}

	Sessions.Add(s)
	s.Start()

	log.Printf("[handlers] session %s opened for %s", s.ID, logutil.SanitizeForLog(rec.Target))
	writeJSON(w, http.StatusCreated, viewOf(s))
}

// ListSessions returns all live sessions.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	views := []sessionView{}
	for _, s := range Sessions.List() {
		views = append(views, viewOf(s))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetSession returns one session with its transition history and any
// pending fingerprint decisions.
func GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := Sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	var pending []hostkeys.PendingDecision
	if Verifier != nil {
		for _, pd := range Verifier.Pending() {
			if s.OwnsIdentity(pd.Identity) {
				pending = append(pending, pd)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":              viewOf(s),
		"transitions":          s.Transitions(),
		"pending_fingerprints": pending,
	})
}

// ReconnectSession cancels a pending retry timer and retries immediately.
func ReconnectSession(w http.ResponseWriter, r *http.Request) {
	s, ok := Sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	s.ReconnectNow()
	writeJSON(w, http.StatusOK, viewOf(s))
}

// DeleteSession disposes a session and removes it from the registry.
func DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !Sessions.Remove(id) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disposed", "id": id})
}

type fingerprintRequest struct {
	Identity string `json:"identity"`
	Accept   bool   `json:"accept"`
}

// ResolveFingerprint supplies the accept/reject decision for a host key
// mismatch on one of the session's endpoints.
func ResolveFingerprint(w http.ResponseWriter, r *http.Request) {
	s, ok := Sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	var req fingerprintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !s.OwnsIdentity(req.Identity) {
		writeError(w, http.StatusForbidden, "Identity does not belong to this session")
		return
	}
	if Verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "Host key verifier not initialized")
		return
	}
	if err := Verifier.Resolve(req.Identity, req.Accept); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identity": req.Identity,
		"accepted": req.Accept,
	})
}

func defaultPort(port int) int {
	if port == 0 {
		return 22
	}
	return port
}
