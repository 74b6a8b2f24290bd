package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single connection
	// also gives the per-table critical section the engine relies on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Put(ctx context.Context, n notification.Notification) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, user_id, kind, message, amount, is_permanent, display_time, sent, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   user_id=excluded.user_id, kind=excluded.kind, message=excluded.message,
		   amount=excluded.amount, is_permanent=excluded.is_permanent,
		   display_time=excluded.display_time, sent=excluded.sent, created_at=excluded.created_at`,
		n.ID, n.UserID, string(n.Kind), n.Message, nullFloat(n.Amount),
		boolInt(n.IsPermanent), nullInt(n.DisplayTime), boolInt(n.Sent),
		n.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (notification.Notification, bool, error) {
	if s == nil || s.db == nil {
		return notification.Notification{}, false, ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, kind, message, amount, is_permanent, display_time, sent, created_at
		 FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return notification.Notification{}, false, nil
	}
	if err != nil {
		return notification.Notification{}, false, err
	}
	return n, true, nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ListByUser(ctx context.Context, userID string) ([]notification.Notification, error) {
	return s.list(ctx,
		`SELECT id, user_id, kind, message, amount, is_permanent, display_time, sent, created_at
		 FROM notifications WHERE user_id = ? ORDER BY seq`, userID)
}

func (s *sqliteStore) ListAll(ctx context.Context) ([]notification.Notification, error) {
	return s.list(ctx,
		`SELECT id, user_id, kind, message, amount, is_permanent, display_time, sent, created_at
		 FROM notifications ORDER BY seq`)
}

func (s *sqliteStore) list(ctx context.Context, query string, args ...any) ([]notification.Notification, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notification.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Favorites(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM favorites ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddFavorite(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO favorites(id, seq)
		 VALUES(?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM favorites))
		 ON CONFLICT(id) DO NOTHING`, id)
	return err
}

func (s *sqliteStore) RemoveFavorite(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM favorites WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) SetFavorites(ctx context.Context, ids []string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM favorites`); err != nil {
		return err
	}
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO favorites(id, seq) VALUES(?,?) ON CONFLICT(id) DO NOTHING`,
			id, i+1); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (notification.Notification, error) {
	var (
		n           notification.Notification
		kind        string
		amount      sql.NullFloat64
		isPermanent int
		displayTime sql.NullInt64
		sent        int
		createdAt   string
	)
	err := row.Scan(&n.ID, &n.UserID, &kind, &n.Message, &amount, &isPermanent, &displayTime, &sent, &createdAt)
	if err != nil {
		return notification.Notification{}, err
	}
	n.Kind = notification.Kind(kind)
	if amount.Valid {
		a := amount.Float64
		n.Amount = &a
	}
	n.IsPermanent = isPermanent != 0
	if displayTime.Valid {
		dt := int(displayTime.Int64)
		n.DisplayTime = &dt
	}
	n.Sent = sent != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		n.CreatedAt = t
	}
	return n, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
