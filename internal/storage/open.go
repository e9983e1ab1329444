package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"trbot/pkg/logx"
)

// Store is the minimal persistence API used by the pipeline and the resume
// scanner.
type Store interface {
	// PutStatus replaces the record for the target message.
	PutStatus(ctx context.Context, rec StatusRecord) error
	// RecentStatuses returns all records updated at or after since.
	RecentStatuses(ctx context.Context, since time.Time) ([]StatusRecord, error)
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
