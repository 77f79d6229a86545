package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "relaybot/pkg/logx"
)

// Store is the minimal persistence API used by the dedup cache and the
// send journal. All writes are best-effort: callers never let a storage
// failure break a user-facing flow.
type Store interface {
	AppendSend(ctx context.Context, r SendRecord) error
	PutDedup(ctx context.Context, key string, sentAt time.Time) error
	GetDedup(ctx context.Context, key string) (sentAt time.Time, ok bool, err error)
	// DeleteDedupBefore removes records last sent before cutoff and
	// returns the count removed. Driven by the cache sweep.
	DeleteDedupBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
