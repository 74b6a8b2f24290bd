package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/eventbus"
	"notifyd/internal/notification"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

var ErrNotFound = errors.New("notification not found")

// Bus event types published by the engine. Data is always the affected
// notification.Notification. The dispatcher subscribes to these and attempts
// an immediate push; nobody else is required to listen.
const (
	EventCreated = "queue.created"
	EventEdited  = "queue.edited"
	EventReset   = "queue.reset"
)

// Enricher fetches external content for URL_HTML records.
type Enricher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Engine implements the notification queue state machine on top of a Store.
//
// All mutations run under one engine-level critical section so concurrent
// read-modify-write sequences (poll picking the first pending record, edit
// replacing fields) cannot interleave and lose updates. Enrichment performs
// network I/O and therefore always runs outside that section.
type Engine struct {
	mu sync.Mutex

	store    storage.Store
	enricher Enricher
	bus      eventbus.Bus
	log      logx.Logger

	// Overridable for tests.
	now   func() time.Time
	newID func() string
}

func New(store storage.Store, enricher Enricher, bus eventbus.Bus, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		store:    store,
		enricher: enricher,
		bus:      bus,
		log:      log,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// Create validates, assigns id and creation time, persists the record as
// pending, and announces it for push.
func (e *Engine) Create(ctx context.Context, n notification.Notification) (notification.Notification, error) {
	n.ID = e.newID()
	n.CreatedAt = e.now().UTC()
	n.Sent = false
	n.IsFavorite = false
	n.HTMLContent = ""
	n.FetchError = ""
	n.Normalize()
	if err := n.Validate(); err != nil {
		return notification.Notification{}, err
	}

	e.mu.Lock()
	err := e.store.Put(ctx, n)
	e.mu.Unlock()
	if err != nil {
		return notification.Notification{}, err
	}

	e.publish(EventCreated, n)
	e.log.Debug("notification created",
		logx.String("id", n.ID), logx.String("user_id", n.UserID), logx.String("type", string(n.Kind)))
	return n, nil
}

// Edit replaces the mutable fields of an existing record and forces it back
// to pending so the edited content is re-deliverable. The target user is not
// reassignable.
func (e *Engine) Edit(ctx context.Context, id string, n notification.Notification) error {
	n.Normalize()
	if err := n.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	cur, ok, err := e.store.Get(ctx, id)
	if err == nil && !ok {
		err = ErrNotFound
	}
	if err != nil {
		e.mu.Unlock()
		return err
	}

	cur.Kind = n.Kind
	cur.Message = n.Message
	cur.Amount = n.Amount
	cur.IsPermanent = n.IsPermanent
	cur.DisplayTime = n.DisplayTime
	cur.Sent = false
	err = e.store.Put(ctx, cur)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	e.publish(EventEdited, cur)
	e.log.Debug("notification edited", logx.String("id", id))
	return nil
}

// Delete removes the record. Deleting a missing id is a no-op.
// The favorites entry (if any) is left behind on purpose: readers treat
// dangling favorite ids as non-matching, and the sweep job reaps them.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Delete(ctx, id)
}

// Reset forces the record back to pending without touching its content.
func (e *Engine) Reset(ctx context.Context, id string) error {
	e.mu.Lock()
	cur, ok, err := e.store.Get(ctx, id)
	if err == nil && !ok {
		err = ErrNotFound
	}
	if err != nil {
		e.mu.Unlock()
		return err
	}
	cur.Sent = false
	err = e.store.Put(ctx, cur)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	e.publish(EventReset, cur)
	e.log.Debug("notification reset", logx.String("id", id))
	return nil
}

// ResetAll forces every record across all users back to pending. Used for
// bulk recovery; records that vanish mid-iteration are skipped, never fatal.
func (e *Engine) ResetAll(ctx context.Context) error {
	e.mu.Lock()
	recs, err := e.store.ListAll(ctx)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	reset := make([]notification.Notification, 0, len(recs))
	for _, n := range recs {
		if !n.Sent {
			continue
		}
		n.Sent = false
		if err := e.store.Put(ctx, n); err != nil {
			e.log.Warn("reset-all: put failed", logx.String("id", n.ID), logx.Err(err))
			continue
		}
		reset = append(reset, n)
	}
	e.mu.Unlock()

	for _, n := range reset {
		e.publish(EventReset, n)
	}
	e.log.Info("reset-all", logx.Int("reset", len(reset)), logx.Int("total", len(recs)))
	return nil
}

// Poll claims the oldest pending record for userID: it is marked delivered
// and returned. ok is false when the user has nothing pending. URL_HTML
// records are enriched after the claim; an enrichment failure rides along as
// an error marker on the returned copy and never undoes the claim.
func (e *Engine) Poll(ctx context.Context, userID string) (notification.Notification, bool, error) {
	e.mu.Lock()
	recs, err := e.store.ListByUser(ctx, userID)
	if err != nil {
		e.mu.Unlock()
		return notification.Notification{}, false, err
	}
	sortByCreation(recs)

	var claimed notification.Notification
	found := false
	for _, n := range recs {
		if !n.Sent {
			claimed = n
			found = true
			break
		}
	}
	if !found {
		e.mu.Unlock()
		return notification.Notification{}, false, nil
	}

	claimed.Sent = true
	if err := e.store.Put(ctx, claimed); err != nil {
		e.mu.Unlock()
		return notification.Notification{}, false, err
	}
	e.mu.Unlock()

	out := claimed.Clone()
	e.annotateFavorite(ctx, &out)
	e.enrichRecord(ctx, &out)
	e.log.Debug("notification polled", logx.String("id", out.ID), logx.String("user_id", userID))
	return out, true, nil
}

// List returns records in creation order, each annotated with its favorite
// flag and (best-effort) enriched content. An empty userID lists every user;
// includeDelivered=false narrows to the pending queue. Listing never marks
// anything delivered.
func (e *Engine) List(ctx context.Context, userID string, includeDelivered bool) ([]notification.Notification, error) {
	e.mu.Lock()
	var recs []notification.Notification
	var err error
	if userID == "" {
		recs, err = e.store.ListAll(ctx)
	} else {
		recs, err = e.store.ListByUser(ctx, userID)
	}
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sortByCreation(recs)

	favs, err := e.favoriteSet(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]notification.Notification, 0, len(recs))
	for _, n := range recs {
		if !includeDelivered && n.Sent {
			continue
		}
		cp := n.Clone()
		_, cp.IsFavorite = favs[cp.ID]
		e.enrichRecord(ctx, &cp)
		out = append(out, cp)
	}
	return out, nil
}

// Favorite marks an existing record as favorited. Idempotent for records
// already in the set; missing records are an error.
func (e *Engine) Favorite(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok, err := e.store.Get(ctx, id); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return e.store.AddFavorite(ctx, id)
}

// Unfavorite removes an existing record from the favorites set. Idempotent.
func (e *Engine) Unfavorite(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok, err := e.store.Get(ctx, id); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return e.store.RemoveFavorite(ctx, id)
}

func (e *Engine) publish(typ string, n notification.Notification) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: n})
}

func (e *Engine) favoriteSet(ctx context.Context) (map[string]struct{}, error) {
	e.mu.Lock()
	ids, err := e.store.Favorites(ctx)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func (e *Engine) annotateFavorite(ctx context.Context, n *notification.Notification) {
	favs, err := e.favoriteSet(ctx)
	if err != nil {
		e.log.Warn("favorites read failed", logx.Err(err))
		return
	}
	_, n.IsFavorite = favs[n.ID]
}

// enrichRecord attaches fetched content (or an error marker) to URL_HTML
// records. Anything else passes through untouched.
func (e *Engine) enrichRecord(ctx context.Context, n *notification.Notification) {
	if n.Kind != notification.KindURLHTML || e.enricher == nil {
		return
	}
	content, err := e.enricher.Fetch(ctx, n.Message)
	if err != nil {
		n.FetchError = err.Error()
		e.log.Debug("enrichment failed", logx.String("id", n.ID), logx.Err(err))
		return
	}
	n.HTMLContent = content
}

// sortByCreation orders oldest-first by CreatedAt. The sort is stable over
// store insertion order, so identical timestamps keep their insertion order.
func sortByCreation(recs []notification.Notification) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
