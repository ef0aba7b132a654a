// Package endpoint defines the connection targets a log session is created
// from and the failover policy for choosing between them.
package endpoint

import (
	"fmt"
	"net"
	"strconv"
)

// Role marks an endpoint as the primary or secondary target of a session.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// Bastion describes an intermediate SSH hop. When set on a Spec, the
// transport verifies and authenticates the bastion as an independent
// endpoint first, then dials the target through it.
type Bastion struct {
	Host              string
	Port              int
	Username          string
	PinnedFingerprint string
}

// Spec describes one reachable log source. Immutable once a session starts.
type Spec struct {
	Host              string
	Port              int
	Username          string
	Role              Role
	PinnedFingerprint string
	Bastion           *Bastion
}

// Addr returns the dialable "host:port" address.
func (s Spec) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Identity returns the pin/credential store key for this endpoint. Scope is
// the workspace name, so separate deployments keep separate trust decisions.
func (s Spec) Identity(scope string) string {
	return s.Addr() + "|" + s.Username + "|" + scope
}

// Addr returns the dialable "host:port" address of the bastion.
func (b Bastion) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// Identity returns the pin/credential store key for the bastion hop.
func (b Bastion) Identity(scope string) string {
	return b.Addr() + "|" + b.Username + "|" + scope
}

// Validate checks that the spec is well-formed. A failing spec is a
// configuration error: the session enters its terminal state rather than
// retrying, since no retry can fix a malformed target.
func (s Spec) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("endpoint host is empty")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("endpoint port %d out of range", s.Port)
	}
	if s.Username == "" {
		return fmt.Errorf("endpoint username is empty")
	}
	if s.Bastion != nil {
		if s.Bastion.Host == "" {
			return fmt.Errorf("bastion host is empty")
		}
		if s.Bastion.Port <= 0 || s.Bastion.Port > 65535 {
			return fmt.Errorf("bastion port %d out of range", s.Bastion.Port)
		}
		if s.Bastion.Username == "" {
			return fmt.Errorf("bastion username is empty")
		}
	}
	return nil
}

// ValidateCommand rejects remote command strings containing control or
// newline characters. The command is otherwise opaque, but a raw newline
// would let a configuration value smuggle a second command onto the remote
// shell.
func ValidateCommand(cmd string) error {
	if cmd == "" {
		return fmt.Errorf("remote command is empty")
	}
	for i, r := range cmd {
		if r < 32 || r == 127 {
			return fmt.Errorf("remote command contains control character at position %d", i)
		}
	}
	return nil
}
