package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.notifications.json (full snapshot, array in insertion order)
//   - <prefix>.favorites.json     (array of favorited ids)
//
// Every mutation rewrites the affected snapshot atomically (tmp + rename).
// That is slow for large tables but this store holds an operator-curated
// notification queue, not bulk data.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	notifPath string
	favPath   string

	// records keeps insertion order; index maps id -> position in records.
	records []notification.Notification
	index   map[string]int

	favorites map[string]struct{}
	favOrder  []string

	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:       log,
		notifPath: prefix + ".notifications.json",
		favPath:   prefix + ".favorites.json",
		index:     map[string]int{},
		favorites: map[string]struct{}{},
	}

	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) loadLocked() error {
	var recs []notification.Notification
	if err := readJSONFile(s.notifPath, &recs); err != nil {
		return err
	}
	var favs []string
	if err := readJSONFile(s.favPath, &favs); err != nil {
		return err
	}

	s.records = recs
	s.index = make(map[string]int, len(recs))
	for i, n := range recs {
		s.index[n.ID] = i
	}
	s.favorites = make(map[string]struct{}, len(favs))
	s.favOrder = s.favOrder[:0]
	for _, id := range favs {
		if _, dup := s.favorites[id]; dup {
			continue
		}
		s.favorites[id] = struct{}{}
		s.favOrder = append(s.favOrder, id)
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fileStore) Put(ctx context.Context, n notification.Notification) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if i, ok := s.index[n.ID]; ok {
		s.records[i] = n
	} else {
		s.index[n.ID] = len(s.records)
		s.records = append(s.records, n)
	}
	return s.writeNotificationsLocked()
}

func (s *fileStore) Get(ctx context.Context, id string) (notification.Notification, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return notification.Notification{}, false, ErrClosed
	}
	i, ok := s.index[id]
	if !ok {
		return notification.Notification{}, false, nil
	}
	return s.records[i].Clone(), true, nil
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	i, ok := s.index[id]
	if !ok {
		return nil
	}
	s.records = append(s.records[:i], s.records[i+1:]...)
	delete(s.index, id)
	for j := i; j < len(s.records); j++ {
		s.index[s.records[j].ID] = j
	}
	return s.writeNotificationsLocked()
}

func (s *fileStore) ListByUser(ctx context.Context, userID string) ([]notification.Notification, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]notification.Notification, 0, 8)
	for _, n := range s.records {
		if n.UserID == userID {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

func (s *fileStore) ListAll(ctx context.Context) ([]notification.Notification, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]notification.Notification, 0, len(s.records))
	for _, n := range s.records {
		out = append(out, n.Clone())
	}
	return out, nil
}

func (s *fileStore) Favorites(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return append([]string(nil), s.favOrder...), nil
}

func (s *fileStore) AddFavorite(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.favorites[id]; ok {
		return nil
	}
	s.favorites[id] = struct{}{}
	s.favOrder = append(s.favOrder, id)
	return s.writeFavoritesLocked()
}

func (s *fileStore) RemoveFavorite(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.favorites[id]; !ok {
		return nil
	}
	delete(s.favorites, id)
	for i, fid := range s.favOrder {
		if fid == id {
			s.favOrder = append(s.favOrder[:i], s.favOrder[i+1:]...)
			break
		}
	}
	return s.writeFavoritesLocked()
}

func (s *fileStore) SetFavorites(ctx context.Context, ids []string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.favorites = make(map[string]struct{}, len(ids))
	s.favOrder = s.favOrder[:0]
	for _, id := range ids {
		if _, dup := s.favorites[id]; dup {
			continue
		}
		s.favorites[id] = struct{}{}
		s.favOrder = append(s.favOrder, id)
	}
	return s.writeFavoritesLocked()
}

func (s *fileStore) writeNotificationsLocked() error {
	recs := s.records
	if recs == nil {
		recs = []notification.Notification{}
	}
	return writeJSONFile(s.notifPath, recs)
}

func (s *fileStore) writeFavoritesLocked() error {
	favs := s.favOrder
	if favs == nil {
		favs = []string{}
	}
	return writeJSONFile(s.favPath, favs)
}

func readJSONFile(path string, out any) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func writeJSONFile(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
