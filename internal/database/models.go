package database

import "time"

// Device is a predeclared log source. Sessions can be created from a device
// name instead of spelling out endpoints in the request.
type Device struct {
	ID   uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name string `gorm:"uniqueIndex;not null" json:"name"`

	PrimaryHost string `gorm:"not null" json:"primary_host"`
	PrimaryPort int    `gorm:"not null;default:22" json:"primary_port"`

	SecondaryHost string `json:"secondary_host"`
	SecondaryPort int    `gorm:"default:22" json:"secondary_port"`

	BastionHost string `json:"bastion_host"`
	BastionPort int    `gorm:"default:22" json:"bastion_port"`
	BastionUser string `json:"bastion_user"`

	Username string `gorm:"not null" json:"username"`
	Command  string `gorm:"not null" json:"command"`
	MaxLines int    `gorm:"default:0" json:"max_lines"` // 0 means use the configured default

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// FingerprintPin records an accepted host key fingerprint. Identity is the
// composite "host:port|username|workspace" key; see hostkeys.Identity.
type FingerprintPin struct {
	Identity    string    `gorm:"primaryKey;size:512" json:"identity"`
	Fingerprint string    `gorm:"not null" json:"fingerprint"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Credential stores auth material for an endpoint identity. Secret holds the
// fernet-encrypted password or key passphrase; KeyPath, when set, selects
// private key auth.
type Credential struct {
	Identity  string    `gorm:"primaryKey;size:512" json:"identity"`
	Kind      string    `gorm:"not null" json:"kind"` // "password" or "key"
	Secret    string    `json:"-"`                    // fernet-encrypted
	KeyPath   string    `json:"key_path"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SessionRecord tracks a log session for listing and retention. Live state
// belongs to the in-memory session registry; this row only records
// existence and final disposition.
type SessionRecord struct {
	ID         string     `gorm:"primaryKey;size:64" json:"id"` // session UUID
	DeviceName string     `json:"device_name"`
	Target     string     `gorm:"not null" json:"target"` // "user@host:port"
	State      string     `gorm:"not null" json:"state"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
