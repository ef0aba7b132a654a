package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/var/lib/tailview"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8400"`

	// Workspace scopes pinned host key fingerprints so two deployments
	// sharing a database do not share trust decisions.
	Workspace string `envconfig:"WORKSPACE" default:"default"`

	// DevicesFile is an optional YAML file of predeclared devices loaded
	// into the database at startup.
	DevicesFile string `envconfig:"DEVICES_FILE" default:""`

	// Session defaults, overridable per session at creation time.
	RetryInterval  string `envconfig:"RETRY_INTERVAL" default:"5s"`
	MaxLines       int    `envconfig:"MAX_LINES" default:"10000"`
	ConnectTimeout string `envconfig:"CONNECT_TIMEOUT" default:"30s"`

	// RetentionSchedule is the cron spec for pruning disposed sessions
	// and stale pending fingerprint decisions.
	RetentionSchedule string `envconfig:"RETENTION_SCHEDULE" default:"@every 1h"`
	SessionRetention  string `envconfig:"SESSION_RETENTION" default:"24h"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("TAILVIEW", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "tailview.db")
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = filepath.Join(Cfg.DataPath, "tailview.log")
	}
}

// RetryIntervalDuration returns the parsed retry interval, falling back to
// 5s on a malformed value.
func (s Settings) RetryIntervalDuration() time.Duration {
	return parseDuration(s.RetryInterval, 5*time.Second)
}

// ConnectTimeoutDuration returns the parsed TCP connect timeout, falling
// back to 30s on a malformed value.
func (s Settings) ConnectTimeoutDuration() time.Duration {
	return parseDuration(s.ConnectTimeout, 30*time.Second)
}

// SessionRetentionDuration returns how long disposed session records are
// kept, falling back to 24h on a malformed value.
func (s Settings) SessionRetentionDuration() time.Duration {
	return parseDuration(s.SessionRetention, 24*time.Hour)
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
