// Package transport owns one physical SSH connection at a time: dialing
// (directly or through a bastion hop), host key verification, credential
// negotiation, and execution of the remote log command.
//
// A bastion, when configured, is verified and authenticated as a fully
// independent endpoint before the tunneled channel to the target is
// opened; it has its own pin identity and its own NeedsDecision flow.
//
// Errors carry a Kind so the reconnect controller can pick a policy
// without inspecting transport internals. None of the failure paths leave
// a half-open connection behind; Channel.Close is idempotent.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tailview/tailview/internal/credentials"
	"github.com/tailview/tailview/internal/endpoint"
	"github.com/tailview/tailview/internal/hostkeys"
	"github.com/tailview/tailview/internal/logutil"
	"golang.org/x/crypto/ssh"
)

// keepaliveInterval is how often a live channel pings the server to detect
// silently dead links. Package-level var so tests can shorten it.
var keepaliveInterval = 30 * time.Second

// ErrorKind classifies a failed connection attempt.
type ErrorKind int

const (
	KindNetworkUnreachable ErrorKind = iota
	KindHostKeyRejected
	KindAuthenticationFailed
	KindCommandStartFailed
	KindCancelled
	KindConfigurationInvalid
)

// String returns the taxonomy name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNetworkUnreachable:
		return "network_unreachable"
	case KindHostKeyRejected:
		return "host_key_rejected"
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindCommandStartFailed:
		return "command_start_failed"
	case KindCancelled:
		return "cancelled"
	case KindConfigurationInvalid:
		return "configuration_invalid"
	default:
		return "unknown"
	}
}

// ConnectError is a classified connection failure.
type ConnectError struct {
	Kind ErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from an error, defaulting to
// KindNetworkUnreachable for unclassified failures (always retryable).
func KindOf(err error) ErrorKind {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindNetworkUnreachable
}

// Config carries the collaborators and fixed inputs of a Transport.
type Config struct {
	Command  string             // remote log command, validated at session creation
	Scope    string             // workspace scope for pin/credential identities
	Verifier *hostkeys.Verifier // shared host key verifier
	Creds    credentials.Source // shared credential source
	Timeout  time.Duration      // TCP connect timeout
}

// Channel is one live remote command execution over an SSH connection.
type Channel struct {
	stdout io.Reader
	stderr io.Reader

	session *ssh.Session
	client  *ssh.Client
	bastion *ssh.Client // nil for direct connections

	closeOnce  sync.Once
	done       chan struct{}
	waitErr    error
	keepCancel context.CancelFunc
}

func (c *Channel) Stdout() io.Reader { return c.stdout }
func (c *Channel) Stderr() io.Reader { return c.stderr }

// Done is closed when the remote command exits or the connection dies.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err reports why the channel ended. Valid after Done is closed.
func (c *Channel) Err() error { return c.waitErr }

// Close tears down the session, the connection, and the bastion hop (when
// present). Safe to call multiple times and from any goroutine.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		if c.keepCancel != nil {
			c.keepCancel()
		}
		if c.session != nil {
			c.session.Close()
		}
		if c.client != nil {
			c.client.Close()
		}
		if c.bastion != nil {
			c.bastion.Close()
		}
	})
	return nil
}

// Transport dials endpoints and starts the remote command. One Transport
// serves one session; at most one Channel is live at a time (the caller
// enforces this).
type Transport struct {
	cfg Config
}

// New creates a Transport.
func New(cfg Config) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Transport{cfg: cfg}
}

// Connect establishes a connection to ep, verifies the host key (and the
// bastion's, when configured), authenticates, starts the remote command,
// and returns the live channel. The returned error is always a
// *ConnectError or a context error.
func (t *Transport) Connect(ctx context.Context, ep endpoint.Spec) (*Channel, error) {
	if err := ep.Validate(); err != nil {
		return nil, &ConnectError{Kind: KindConfigurationInvalid, Err: err}
	}
	if err := endpoint.ValidateCommand(t.cfg.Command); err != nil {
		return nil, &ConnectError{Kind: KindConfigurationInvalid, Err: err}
	}

	var bastionClient *ssh.Client
	var netConn net.Conn
	var err error

	var redial func() (net.Conn, error)

	if ep.Bastion != nil {
		b := *ep.Bastion
		bastionClient, err = t.dialSSH(ctx, b.Addr(), b.Username, b.Identity(t.cfg.Scope))
		if err != nil {
			return nil, err
		}
		bc := bastionClient
		redial = func() (net.Conn, error) {
			return bc.DialContext(ctx, "tcp", ep.Addr())
		}
		netConn, err = redial()
		if err != nil {
			bastionClient.Close()
			return nil, t.classify(ctx, fmt.Errorf("dial %s via bastion %s: %w", ep.Addr(), b.Addr(), err), false, false)
		}
	} else {
		redial = func() (net.Conn, error) {
			dialer := net.Dialer{Timeout: t.cfg.Timeout}
			return dialer.DialContext(ctx, "tcp", ep.Addr())
		}
		netConn, err = redial()
		if err != nil {
			return nil, t.classify(ctx, fmt.Errorf("dial %s: %w", ep.Addr(), err), false, false)
		}
	}

	client, err := t.handshake(ctx, netConn, ep.Addr(), ep.Username, ep.Identity(t.cfg.Scope), redial)
	if err != nil {
		if bastionClient != nil {
			bastionClient.Close()
		}
		return nil, err
	}

	ch, err := t.startCommand(client, bastionClient)
	if err != nil {
		client.Close()
		if bastionClient != nil {
			bastionClient.Close()
		}
		return nil, err
	}

	log.Printf("[transport] connected to %s, command started", logutil.SanitizeForLog(ep.Addr()))
	return ch, nil
}

// dialSSH dials and authenticates a full SSH client (used for the bastion
// hop, which needs its own client for the tunneled dial).
func (t *Transport) dialSSH(ctx context.Context, addr, username, identity string) (*ssh.Client, error) {
	redial := func() (net.Conn, error) {
		dialer := net.Dialer{Timeout: t.cfg.Timeout}
		return dialer.DialContext(ctx, "tcp", addr)
	}
	netConn, err := redial()
	if err != nil {
		return nil, t.classify(ctx, fmt.Errorf("dial %s: %w", addr, err), false, false)
	}
	return t.handshake(ctx, netConn, addr, username, identity, redial)
}

// handshake runs host key verification and authentication over an
// established TCP connection. On an authentication failure it re-dials and
// retries exactly once with freshly prompted credentials.
func (t *Transport) handshake(ctx context.Context, netConn net.Conn, addr, username, identity string, redial func() (net.Conn, error)) (*ssh.Client, error) {
	material, err := t.cfg.Creds.Get(identity)
	prompted := false
	if errors.Is(err, credentials.ErrNotAvailable) {
		material, err = t.cfg.Creds.Prompt(identity)
		prompted = true
	}
	if err != nil {
		netConn.Close()
		return nil, t.classify(ctx, fmt.Errorf("credentials for %s: %w", logutil.SanitizeForLog(identity), err), false, true)
	}

	client, hostKeyRejected, err := t.tryHandshake(ctx, netConn, addr, username, identity, material)
	if err == nil {
		return client, nil
	}
	if hostKeyRejected || !isAuthError(err) || prompted {
		return nil, t.classify(ctx, err, hostKeyRejected, isAuthError(err))
	}

	// Stored material was stale: re-prompt once within this attempt, then
	// re-dial (the failed handshake consumed the connection).
	material, perr := t.cfg.Creds.Prompt(identity)
	if perr != nil {
		return nil, t.classify(ctx, fmt.Errorf("re-prompt for %s: %w", logutil.SanitizeForLog(identity), perr), false, true)
	}

	netConn, derr := redial()
	if derr != nil {
		return nil, t.classify(ctx, fmt.Errorf("redial %s: %w", addr, derr), false, false)
	}
	client, hostKeyRejected, err = t.tryHandshake(ctx, netConn, addr, username, identity, material)
	if err != nil {
		return nil, t.classify(ctx, err, hostKeyRejected, isAuthError(err))
	}
	return client, nil
}

// tryHandshake performs one SSH handshake. The returned bool reports
// whether the host key verifier rejected the connection (either a declined
// mismatch or a cancelled wait).
func (t *Transport) tryHandshake(ctx context.Context, netConn net.Conn, addr, username, identity string, material credentials.Material) (*ssh.Client, bool, error) {
	auth, err := authMethods(material)
	if err != nil {
		netConn.Close()
		return nil, false, fmt.Errorf("ssh: unable to authenticate, %w", err)
	}

	var hostKeyRejected bool
	cfg := &ssh.ClientConfig{
		User: username,
		Auth: auth,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			d, verr := t.cfg.Verifier.Verify(ctx, identity, hostkeys.Fingerprint(key))
			if verr != nil {
				hostKeyRejected = true
				return verr
			}
			if d != hostkeys.Accepted {
				hostKeyRejected = true
				return fmt.Errorf("host key for %s rejected", hostname)
			}
			return nil
		},
		Timeout: t.cfg.Timeout,
	}

	// ssh.NewClientConn has no context support; abort the handshake by
	// closing the socket when the caller cancels.
	watch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			netConn.Close()
		case <-watch:
		}
	}()

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	close(watch)
	if err != nil {
		netConn.Close()
		return nil, hostKeyRejected, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), false, nil
}

// startCommand opens a session on the client, wires the output pipes, and
// starts the configured remote command.
func (t *Transport) startCommand(client *ssh.Client, bastionClient *ssh.Client) (*Channel, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, &ConnectError{Kind: KindCommandStartFailed, Err: fmt.Errorf("open ssh session: %w", err)}
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, &ConnectError{Kind: KindCommandStartFailed, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, &ConnectError{Kind: KindCommandStartFailed, Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	if err := session.Start(t.cfg.Command); err != nil {
		session.Close()
		return nil, &ConnectError{Kind: KindCommandStartFailed, Err: fmt.Errorf("start remote command: %w", err)}
	}

	keepCtx, keepCancel := context.WithCancel(context.Background())
	ch := &Channel{
		stdout:     stdout,
		stderr:     stderr,
		session:    session,
		client:     client,
		bastion:    bastionClient,
		done:       make(chan struct{}),
		keepCancel: keepCancel,
	}

	go func() {
		ch.waitErr = session.Wait()
		close(ch.done)
	}()
	go keepalive(keepCtx, client, ch)

	return ch, nil
}

// keepalive pings the server to detect silently dead links; a failed ping
// closes the channel so the read loop unblocks and the controller can
// reconnect.
func keepalive(ctx context.Context, client *ssh.Client, ch *Channel) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch.done:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Printf("[transport] keepalive failed: %v", err)
				ch.Close()
				return
			}
		}
	}
}

// classify wraps a raw failure into a ConnectError. Cancellation wins over
// every other classification so dispose during an attempt never shows up
// as a network error.
func (t *Transport) classify(ctx context.Context, err error, hostKeyRejected, authFailed bool) error {
	kind := KindNetworkUnreachable
	switch {
	case ctx.Err() != nil:
		kind = KindCancelled
	case hostKeyRejected:
		kind = KindHostKeyRejected
	case authFailed:
		kind = KindAuthenticationFailed
	}
	return &ConnectError{Kind: kind, Err: err}
}

// isAuthError reports whether a handshake failure was an authentication
// rejection rather than a transport-level problem.
func isAuthError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

// authMethods builds the ssh auth methods for the given material.
func authMethods(m credentials.Material) ([]ssh.AuthMethod, error) {
	switch m.Kind {
	case credentials.KindPrivateKey:
		pem, err := os.ReadFile(m.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key %s: %w", m.KeyPath, err)
		}
		var signer ssh.Signer
		if m.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(m.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", m.KeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return []ssh.AuthMethod{ssh.Password(m.Password)}, nil
	}
}
