package storage

import (
	"errors"
	"time"
)

// ErrDisabled is returned by store methods invoked after Close (or on a
// nil backend handle).
var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// SendRecord journals one outbound notification attempt.
// Keep it compact and schema-stable.
type SendRecord struct {
	At      time.Time
	Kind    string // "welcome", "referral", "direct"
	Key     string // dedup key, empty for direct sends
	ChatID  int64
	Outcome string // "sent", "deduped", "blocked", "failed"
	Error   string
}
