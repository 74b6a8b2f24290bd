package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/notification"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type stubEnricher struct {
	content string
	err     error
	calls   int
}

func (s *stubEnricher) Fetch(_ context.Context, _ string) (string, error) {
	s.calls++
	return s.content, s.err
}

func newTestEngine(t *testing.T) (*Engine, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "queue.json"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	eng := New(st, nil, eventbus.New(), logx.Nop())
	// Deterministic ids and timestamps for ordering assertions.
	seq := 0
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng.newID = func() string {
		seq++
		return fmt.Sprintf("n-%03d", seq)
	}
	eng.now = func() time.Time {
		return base.Add(time.Duration(seq) * time.Second)
	}
	return eng, st
}

func mustCreate(t *testing.T, eng *Engine, userID, msg string) notification.Notification {
	t.Helper()
	n, err := eng.Create(context.Background(), notification.Notification{
		UserID:  userID,
		Kind:    notification.KindInfo,
		Message: msg,
	})
	if err != nil {
		t.Fatalf("create %q: %v", msg, err)
	}
	return n
}

func TestCreateAssignsIdentityAndDefaults(t *testing.T) {
	eng, _ := newTestEngine(t)

	n := mustCreate(t, eng, "alice", "hello")
	if n.ID == "" {
		t.Fatal("expected generated id")
	}
	if n.Sent {
		t.Fatal("new notifications must start undelivered")
	}
	if n.CreatedAt.IsZero() {
		t.Fatal("expected createdAt to be set")
	}
	if n.DisplayTime == nil || *n.DisplayTime != notification.DefaultDisplayTimeMS {
		t.Fatalf("expected default display time, got %v", n.DisplayTime)
	}

	m := mustCreate(t, eng, "alice", "again")
	if m.ID == n.ID {
		t.Fatal("ids must be unique")
	}
}

func TestCreateValidation(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	dtLow, dtHigh := 500, 60000
	cases := []struct {
		name string
		in   notification.Notification
	}{
		{"unknown type", notification.Notification{UserID: "u", Kind: "BOGUS", Message: "x"}},
		{"empty message", notification.Notification{UserID: "u", Kind: notification.KindInfo, Message: "  "}},
		{"relative url", notification.Notification{UserID: "u", Kind: notification.KindURLHTML, Message: "/promo.html"}},
		{"display time too low", notification.Notification{UserID: "u", Kind: notification.KindInfo, Message: "x", DisplayTime: &dtLow}},
		{"display time too high", notification.Notification{UserID: "u", Kind: notification.KindInfo, Message: "x", DisplayTime: &dtHigh}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Create(ctx, tc.in)
			if !errors.Is(err, notification.ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestCreatePermanentDropsDisplayTime(t *testing.T) {
	eng, _ := newTestEngine(t)

	dt := 8000
	n, err := eng.Create(context.Background(), notification.Notification{
		UserID:      "alice",
		Kind:        notification.KindInfo,
		Message:     "sticky",
		IsPermanent: true,
		DisplayTime: &dt,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n.DisplayTime != nil {
		t.Fatalf("permanent notification must carry no display time, got %d", *n.DisplayTime)
	}
}

func TestPollClaimsOldestPendingOnce(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	a := mustCreate(t, eng, "alice", "first")
	b := mustCreate(t, eng, "alice", "second")
	mustCreate(t, eng, "bob", "other user")

	got, ok, err := eng.Poll(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("poll: ok=%v err=%v", ok, err)
	}
	if got.ID != a.ID {
		t.Fatalf("expected oldest %s first, got %s", a.ID, got.ID)
	}
	if !got.Sent {
		t.Fatal("polled notification must be marked delivered")
	}

	got, ok, err = eng.Poll(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("second poll: ok=%v err=%v", ok, err)
	}
	if got.ID != b.ID {
		t.Fatalf("expected %s next, got %s", b.ID, got.ID)
	}

	if _, ok, err = eng.Poll(ctx, "alice"); err != nil || ok {
		t.Fatalf("drained queue should return ok=false, got ok=%v err=%v", ok, err)
	}
}

func TestPollScenarioCreateTwoPollResetFirst(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	n1 := mustCreate(t, eng, "alice", "one")
	n2 := mustCreate(t, eng, "alice", "two")

	if got, _, _ := eng.Poll(ctx, "alice"); got.ID != n1.ID {
		t.Fatalf("first poll: want %s, got %s", n1.ID, got.ID)
	}
	if err := eng.Reset(ctx, n1.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	// n1 is older than n2, so after the reset it comes back first.
	if got, _, _ := eng.Poll(ctx, "alice"); got.ID != n1.ID {
		t.Fatalf("post-reset poll: want %s, got %s", n1.ID, got.ID)
	}
	if got, _, _ := eng.Poll(ctx, "alice"); got.ID != n2.ID {
		t.Fatalf("final poll: want %s, got %s", n2.ID, got.ID)
	}
}

func TestEditReplacesContentAndResetsDelivery(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	n := mustCreate(t, eng, "alice", "original")
	if _, _, err := eng.Poll(ctx, "alice"); err != nil {
		t.Fatalf("poll: %v", err)
	}

	amount := 42.0
	err := eng.Edit(ctx, n.ID, notification.Notification{
		Kind:    notification.KindCoins,
		Message: "you won",
		Amount:  &amount,
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}

	got, ok, err := eng.Poll(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("poll after edit: ok=%v err=%v", ok, err)
	}
	if got.ID != n.ID {
		t.Fatalf("expected edited notification back, got %s", got.ID)
	}
	if got.Kind != notification.KindCoins || got.Message != "you won" {
		t.Fatalf("edit did not replace content: %+v", got)
	}
	if got.Amount == nil || *got.Amount != amount {
		t.Fatalf("amount not carried: %v", got.Amount)
	}
	if got.UserID != "alice" || !got.CreatedAt.Equal(n.CreatedAt) {
		t.Fatal("edit must preserve owner and creation time")
	}
}

func TestEditMissingAndInvalid(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	err := eng.Edit(ctx, "ghost", notification.Notification{Kind: notification.KindInfo, Message: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	n := mustCreate(t, eng, "alice", "ok")
	err = eng.Edit(ctx, n.ID, notification.Notification{Kind: "BOGUS", Message: "x"})
	if !errors.Is(err, notification.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestDeleteIsIdempotentAndKeepsFavoriteEntry(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	n := mustCreate(t, eng, "alice", "bye")
	kept := mustCreate(t, eng, "alice", "stays")
	if err := eng.Favorite(ctx, n.ID); err != nil {
		t.Fatalf("favorite: %v", err)
	}
	if err := eng.Favorite(ctx, kept.ID); err != nil {
		t.Fatalf("favorite: %v", err)
	}
	if err := eng.Delete(ctx, n.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := eng.Delete(ctx, n.ID); err != nil {
		t.Fatalf("repeated delete must be a no-op, got %v", err)
	}

	// No cascade: the dangling favorite id stays until the sweep runs.
	favs, err := st.Favorites(ctx)
	if err != nil {
		t.Fatalf("favorites: %v", err)
	}
	if len(favs) != 2 {
		t.Fatalf("expected dangling + live favorites, got %v", favs)
	}

	// The sweep purges only ids whose record is gone.
	removed, err := eng.SweepFavorites(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 swept id, got %d", removed)
	}
	if favs, _ = st.Favorites(ctx); len(favs) != 1 || favs[0] != kept.ID {
		t.Fatalf("expected surviving favorite %s, got %v", kept.ID, favs)
	}
}

func TestResetAll(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	mustCreate(t, eng, "alice", "a1")
	mustCreate(t, eng, "alice", "a2")
	mustCreate(t, eng, "bob", "b1")
	for _, user := range []string{"alice", "alice", "bob"} {
		if _, ok, err := eng.Poll(ctx, user); err != nil || !ok {
			t.Fatalf("drain %s: ok=%v err=%v", user, ok, err)
		}
	}

	if err := eng.ResetAll(ctx); err != nil {
		t.Fatalf("reset-all: %v", err)
	}
	for _, tc := range []struct {
		user string
		want int
	}{{"alice", 2}, {"bob", 1}} {
		got, err := eng.Pending(ctx, tc.user)
		if err != nil {
			t.Fatalf("pending %s: %v", tc.user, err)
		}
		if got != tc.want {
			t.Fatalf("pending %s: want %d, got %d", tc.user, tc.want, got)
		}
	}
}

func TestResetMissing(t *testing.T) {
	eng, _ := newTestEngine(t)
	if err := eng.Reset(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFavoriteRoundTrip(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	n := mustCreate(t, eng, "alice", "fav me")
	if err := eng.Favorite(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("favorite missing: want ErrNotFound, got %v", err)
	}
	if err := eng.Favorite(ctx, n.ID); err != nil {
		t.Fatalf("favorite: %v", err)
	}
	if err := eng.Favorite(ctx, n.ID); err != nil {
		t.Fatalf("favorite must be idempotent: %v", err)
	}

	list, err := eng.List(ctx, "alice", true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || !list[0].IsFavorite {
		t.Fatalf("expected favorited listing, got %+v", list)
	}

	if err := eng.Unfavorite(ctx, n.ID); err != nil {
		t.Fatalf("unfavorite: %v", err)
	}
	if err := eng.Unfavorite(ctx, n.ID); err != nil {
		t.Fatalf("unfavorite must be idempotent: %v", err)
	}
	list, _ = eng.List(ctx, "alice", true)
	if list[0].IsFavorite {
		t.Fatal("favorite flag should be cleared")
	}
}

func TestListFiltersAndNeverClaims(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	mustCreate(t, eng, "alice", "one")
	mustCreate(t, eng, "alice", "two")
	if _, _, err := eng.Poll(ctx, "alice"); err != nil {
		t.Fatalf("poll: %v", err)
	}

	all, err := eng.List(ctx, "alice", true)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("want 2 records, got %d", len(all))
	}
	if !all[0].CreatedAt.Before(all[1].CreatedAt) {
		t.Fatal("listing must be oldest first")
	}

	pending, err := eng.List(ctx, "alice", false)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Message != "two" {
		t.Fatalf("want only the pending record, got %+v", pending)
	}

	// Listing is read-only; the pending record must still be claimable.
	if got, ok, _ := eng.Poll(ctx, "alice"); !ok || got.Message != "two" {
		t.Fatalf("listing must not claim; poll got ok=%v %+v", ok, got)
	}
}

func TestPollEnrichesURLHTML(t *testing.T) {
	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "queue.json"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fetch := &stubEnricher{content: "<h1>promo</h1>"}
	eng := New(st, fetch, eventbus.New(), logx.Nop())
	ctx := context.Background()

	if _, err := eng.Create(ctx, notification.Notification{
		UserID:  "alice",
		Kind:    notification.KindURLHTML,
		Message: "https://example.com/promo.html",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, ok, err := eng.Poll(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("poll: ok=%v err=%v", ok, err)
	}
	if got.HTMLContent != "<h1>promo</h1>" {
		t.Fatalf("expected fetched content, got %q", got.HTMLContent)
	}
	if fetch.calls != 1 {
		t.Fatalf("expected one fetch, got %d", fetch.calls)
	}
}

func TestPollSurvivesEnrichmentFailure(t *testing.T) {
	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "queue.json"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fetch := &stubEnricher{err: errors.New("upstream 503")}
	eng := New(st, fetch, eventbus.New(), logx.Nop())
	ctx := context.Background()

	if _, err := eng.Create(ctx, notification.Notification{
		UserID:  "alice",
		Kind:    notification.KindURLHTML,
		Message: "https://example.com/down.html",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, ok, err := eng.Poll(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("poll must not fail on enrichment errors: ok=%v err=%v", ok, err)
	}
	if got.FetchError == "" {
		t.Fatal("expected error marker on the payload")
	}
	if got.HTMLContent != "" {
		t.Fatalf("unexpected content: %q", got.HTMLContent)
	}
	// The claim stands even though the fetch failed.
	if _, ok, _ := eng.Poll(ctx, "alice"); ok {
		t.Fatal("record should stay delivered after a failed enrichment")
	}
}

func TestCreatePublishesEvent(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	t.Cleanup(unsub)

	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "queue.json"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	eng := New(st, nil, bus, logx.Nop())
	n, err := eng.Create(context.Background(), notification.Notification{
		UserID:  "alice",
		Kind:    notification.KindInfo,
		Message: "ping",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Type != EventCreated {
			t.Fatalf("want %s, got %s", EventCreated, ev.Type)
		}
		got, ok := ev.Data.(notification.Notification)
		if !ok || got.ID != n.ID {
			t.Fatalf("unexpected event payload: %#v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}
