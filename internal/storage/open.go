package storage

import (
	"context"
	"errors"
	"strings"

	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"
)

// Store is the persistence API used by the queue engine.
//
// Implementations serialize concurrent mutations per table: two concurrent
// writes to the same record must not interleave (single critical section per
// store, not per field).
//
// ListByUser and ListAll return records in insertion order; callers that need
// creation-time order sort stably on top of that, so equal timestamps keep
// insertion order.
type Store interface {
	Put(ctx context.Context, n notification.Notification) error
	Get(ctx context.Context, id string) (notification.Notification, bool, error)
	// Delete removes a record. Deleting a missing id is a no-op.
	Delete(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string) ([]notification.Notification, error)
	ListAll(ctx context.Context) ([]notification.Notification, error)

	Favorites(ctx context.Context) ([]string, error)
	AddFavorite(ctx context.Context, id string) error
	RemoveFavorite(ctx context.Context, id string) error
	// SetFavorites replaces the whole favorites set (used by the sweep job).
	SetFavorites(ctx context.Context, ids []string) error

	Close() error
}

// Open initializes the configured store. An empty driver defaults to "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
