// Package credentials defines how sessions obtain SSH auth material.
//
// The engine never persists credentials itself: a Source hands out material
// on demand, and the stored implementation keeps secrets fernet-encrypted
// in the database. An interactive prompt hook covers the case where stored
// material is missing or stale.
package credentials

import (
	"errors"
	"fmt"

	"github.com/tailview/tailview/internal/crypto"
	"github.com/tailview/tailview/internal/database"
	"gorm.io/gorm"
)

// Kind selects the authentication method.
type Kind string

const (
	KindPassword   Kind = "password"
	KindPrivateKey Kind = "key"
)

// Material is the auth material for one connection attempt. It is held only
// for the duration of the attempt.
type Material struct {
	Kind       Kind
	Password   string
	KeyPath    string
	Passphrase string
}

// ErrNotAvailable is returned by Get when no material is stored for an
// identity.
var ErrNotAvailable = errors.New("credentials: not available")

// ErrCancelled is returned by Prompt when the interactive fallback was
// dismissed without supplying material.
var ErrCancelled = errors.New("credentials: prompt cancelled")

// Source supplies auth material keyed by endpoint identity. Shared across
// sessions; implementations must be safe for concurrent use.
type Source interface {
	// Get returns stored material, or ErrNotAvailable.
	Get(identity string) (Material, error)

	// Prompt asks the user for fresh material, stores it, and returns it.
	// Returns ErrCancelled if the user dismissed the prompt. The transport
	// calls this at most once per connection attempt.
	Prompt(identity string) (Material, error)
}

// PromptFunc is the external interactive collaborator wired into a
// StoredSource. Returning ok=false means the user cancelled.
type PromptFunc func(identity string) (Material, bool)

// StoredSource keeps credentials in the database with secrets encrypted at
// rest. Prompting delegates to an optional PromptFunc; without one, Prompt
// reports ErrCancelled.
type StoredSource struct {
	prompt PromptFunc
}

// NewStoredSource creates a StoredSource. prompt may be nil for headless
// deployments where all credentials are preloaded.
func NewStoredSource(prompt PromptFunc) *StoredSource {
	return &StoredSource{prompt: prompt}
}

func (s *StoredSource) Get(identity string) (Material, error) {
	var cred database.Credential
	err := database.DB.Where("identity = ?", identity).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Material{}, ErrNotAvailable
	}
	if err != nil {
		return Material{}, fmt.Errorf("load credential: %w", err)
	}

	secret, err := crypto.Decrypt(cred.Secret)
	if err != nil {
		return Material{}, fmt.Errorf("decrypt credential: %w", err)
	}

	switch Kind(cred.Kind) {
	case KindPrivateKey:
		return Material{Kind: KindPrivateKey, KeyPath: cred.KeyPath, Passphrase: secret}, nil
	default:
		return Material{Kind: KindPassword, Password: secret}, nil
	}
}

func (s *StoredSource) Prompt(identity string) (Material, error) {
	if s.prompt == nil {
		return Material{}, ErrCancelled
	}
	m, ok := s.prompt(identity)
	if !ok {
		return Material{}, ErrCancelled
	}
	if err := Store(identity, m); err != nil {
		return Material{}, err
	}
	return m, nil
}

// Store saves material for an identity, encrypting the secret part.
func Store(identity string, m Material) error {
	secret := m.Password
	if m.Kind == KindPrivateKey {
		secret = m.Passphrase
	}
	enc, err := crypto.Encrypt(secret)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	return database.DB.
		Where("identity = ?", identity).
		Assign(database.Credential{Kind: string(m.Kind), Secret: enc, KeyPath: m.KeyPath}).
		FirstOrCreate(&database.Credential{Identity: identity}).Error
}
