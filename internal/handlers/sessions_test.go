package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tailview/tailview/internal/config"
	"github.com/tailview/tailview/internal/database"
	"github.com/tailview/tailview/internal/endpoint"
	"github.com/tailview/tailview/internal/hostkeys"
	"github.com/tailview/tailview/internal/session"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// stubConn is a minimal live connection backed by a pipe.
type stubConn struct {
	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan struct{}
	once sync.Once
}

func newStubConn() *stubConn {
	pr, pw := io.Pipe()
	return &stubConn{pr: pr, pw: pw, done: make(chan struct{})}
}

func (c *stubConn) Stdout() io.Reader     { return c.pr }
func (c *stubConn) Stderr() io.Reader     { return strings.NewReader("") }
func (c *stubConn) Done() <-chan struct{} { return c.done }
func (c *stubConn) Err() error            { return nil }

func (c *stubConn) Close() error {
	c.once.Do(func() {
		c.pw.Close()
		c.pr.Close()
		close(c.done)
	})
	return nil
}

// setup wires in-memory collaborators and returns a channel of scripted
// connections: connects consume from it, or block until cancelled when it
// is empty.
func setup(t *testing.T) chan session.Conn {
	t.Helper()

	var err error
	database.DB, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	if err := database.DB.AutoMigrate(&database.Device{}, &database.FingerprintPin{},
		&database.Credential{}, &database.SessionRecord{}, &database.Setting{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}

	config.Cfg = config.Settings{
		Workspace:      "test",
		MaxLines:       1000,
		RetryInterval:  "10s",
		ConnectTimeout: "1s",
	}

	Sessions = session.NewRegistry()
	Verifier = hostkeys.NewVerifier(hostkeys.DBStore{})

	conns := make(chan session.Conn, 4)
	prevConnector := NewConnector
	NewConnector = func(command string) session.ConnectFunc {
		return func(ctx context.Context, ep endpoint.Spec) (session.Conn, error) {
			select {
			case c := <-conns:
				return c, nil
			default:
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}

	t.Cleanup(func() {
		Sessions.DisposeAll()
		NewConnector = prevConnector
		sqlDB, _ := database.DB.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	})
	return conns
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func inlineSessionBody() map[string]interface{} {
	return map[string]interface{}{
		"primary":  map[string]interface{}{"host": "10.0.0.1"},
		"username": "logs",
		"command":  "tail -F /var/log/syslog",
	}
}

func TestCreateSessionInline(t *testing.T) {
	setup(t)
	router := Routes()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/sessions", inlineSessionBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var view struct {
		ID     string `json:"id"`
		Target string `json:"target"`
		State  string `json:"state"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.Target != "logs@10.0.0.1:22" {
		t.Errorf("target = %q", view.Target)
	}
	if _, ok := Sessions.Get(view.ID); !ok {
		t.Error("session not registered")
	}

	var rec2 database.SessionRecord
	if err := database.DB.First(&rec2, "id = ?", view.ID).Error; err != nil {
		t.Errorf("session record not persisted: %v", err)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	setup(t)
	router := Routes()

	cases := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"no primary or device", map[string]interface{}{"username": "u", "command": "tail -F x"}, http.StatusBadRequest},
		{"missing username", map[string]interface{}{
			"primary": map[string]interface{}{"host": "h"}, "command": "tail -F x",
		}, http.StatusBadRequest},
		{"control chars in command", map[string]interface{}{
			"primary": map[string]interface{}{"host": "h"}, "username": "u", "command": "tail -F x\nrm -rf /",
		}, http.StatusBadRequest},
		{"unknown device", map[string]interface{}{"device": "ghost"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		if rec := doJSON(t, router, http.MethodPost, "/api/v1/sessions", tc.body); rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestCreateSessionFromDevice(t *testing.T) {
	setup(t)
	router := Routes()

	dev := &database.Device{
		Name:          "edge",
		Username:      "logs",
		Command:       "tail -F /var/log/messages",
		PrimaryHost:   "10.1.0.1",
		PrimaryPort:   22,
		SecondaryHost: "10.1.0.2",
		SecondaryPort: 22,
	}
	if err := database.UpsertDevice(dev); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/sessions", map[string]interface{}{"device": "edge"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var view struct {
		Device    string `json:"device"`
		Target    string `json:"target"`
		Secondary string `json:"secondary"`
	}
	json.Unmarshal(rec.Body.Bytes(), &view)
	if view.Device != "edge" || view.Target != "logs@10.1.0.1:22" || view.Secondary != "logs@10.1.0.2:22" {
		t.Errorf("view = %+v", view)
	}
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	setup(t)
	router := Routes()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/sessions", inlineSessionBody())
	var view struct {
		ID string `json:"id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &view)

	if rec := doJSON(t, router, http.MethodGet, "/api/v1/sessions", nil); rec.Code != http.StatusOK {
		t.Errorf("list status = %d", rec.Code)
	} else {
		var list []json.RawMessage
		json.Unmarshal(rec.Body.Bytes(), &list)
		if len(list) != 1 {
			t.Errorf("list length = %d", len(list))
		}
	}

	if rec := doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+view.ID, nil); rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	} else if !strings.Contains(rec.Body.String(), "transitions") {
		t.Error("get response missing transitions")
	}

	if rec := doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+view.ID+"/reconnect", nil); rec.Code != http.StatusOK {
		t.Errorf("reconnect status = %d", rec.Code)
	}

	if rec := doJSON(t, router, http.MethodDelete, "/api/v1/sessions/"+view.ID, nil); rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+view.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodDelete, "/api/v1/sessions/"+view.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}
}

func TestResolveFingerprintChecksOwnership(t *testing.T) {
	setup(t)
	router := Routes()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/sessions", inlineSessionBody())
	var view struct {
		ID string `json:"id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &view)

	// Foreign identity is rejected outright.
	body := map[string]interface{}{"identity": "elsewhere:22|x|test", "accept": true}
	if rec := doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+view.ID+"/fingerprint", body); rec.Code != http.StatusForbidden {
		t.Errorf("foreign identity status = %d, want 403", rec.Code)
	}

	// Owned identity without a pending decision conflicts.
	owned := endpoint.Spec{Host: "10.0.0.1", Port: 22, Username: "logs"}.Identity("test")
	body = map[string]interface{}{"identity": owned, "accept": true}
	if rec := doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+view.ID+"/fingerprint", body); rec.Code != http.StatusConflict {
		t.Errorf("no-pending status = %d, want 409", rec.Code)
	}

	// With a parked mismatch, resolution succeeds and unblocks the verify.
	if err := database.DB.Create(&database.FingerprintPin{Identity: owned, Fingerprint: "SHA256:old"}).Error; err != nil {
		t.Fatalf("seed pin: %v", err)
	}
	verified := make(chan hostkeys.Decision, 1)
	go func() {
		d, _ := Verifier.Verify(context.Background(), owned, "SHA256:new")
		verified <- d
	}()
	deadline := time.Now().Add(5 * time.Second)
	for len(Verifier.Pending()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("mismatch never parked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rec := doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+view.ID+"/fingerprint", body); rec.Code != http.StatusOK {
		t.Errorf("resolve status = %d, body = %s", rec.Code, rec.Body.String())
	}
	select {
	case d := <-verified:
		if d != hostkeys.Accepted {
			t.Errorf("decision = %v, want accepted", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("verify did not unblock")
	}
}

func TestStreamSessionSSE(t *testing.T) {
	conns := setup(t)
	conn := newStubConn()
	conns <- conn

	srv := httptest.NewServer(Routes())
	defer srv.Close()

	rec := doJSON(t, Routes(), http.MethodPost, "/api/v1/sessions", inlineSessionBody())
	var view struct {
		ID string `json:"id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &view)

	go func() {
		io.WriteString(conn.pw, "alpha\nbeta\n")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/sessions/"+view.ID+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var sawAlpha, sawBeta bool
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, `"alpha"`) {
			sawAlpha = true
		}
		if strings.Contains(line, `"beta"`) {
			sawBeta = true
		}
		if sawAlpha && sawBeta {
			break
		}
	}
	if !sawAlpha || !sawBeta {
		t.Errorf("missed streamed lines (alpha=%v beta=%v)", sawAlpha, sawBeta)
	}
}

func TestStreamSessionNotFound(t *testing.T) {
	setup(t)
	rec := doJSON(t, Routes(), http.MethodGet, "/api/v1/sessions/nope/stream", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestDeviceEndpoints(t *testing.T) {
	setup(t)
	router := Routes()

	body := map[string]interface{}{
		"name":         "edge",
		"username":     "logs",
		"command":      "tail -F /var/log/messages",
		"primary_host": "10.9.0.1",
		"primary_port": 22,
	}
	if rec := doJSON(t, router, http.MethodPost, "/api/v1/devices", body); rec.Code != http.StatusOK {
		t.Fatalf("upsert status = %d, body = %s", rec.Code, rec.Body.String())
	}

	if rec := doJSON(t, router, http.MethodGet, "/api/v1/devices", nil); rec.Code != http.StatusOK {
		t.Errorf("list status = %d", rec.Code)
	} else if !strings.Contains(rec.Body.String(), `"edge"`) {
		t.Error("list missing device")
	}

	if rec := doJSON(t, router, http.MethodGet, "/api/v1/devices/edge", nil); rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodGet, "/api/v1/devices/ghost", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get missing status = %d", rec.Code)
	}

	// Command validation applies to the API as well as the inventory file.
	body["command"] = "tail\nrm -rf /"
	if rec := doJSON(t, router, http.MethodPost, "/api/v1/devices", body); rec.Code != http.StatusBadRequest {
		t.Errorf("bad command status = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	setup(t)
	rec := doJSON(t, Routes(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Sessions != 0 {
		t.Errorf("resp = %+v", resp)
	}
}
