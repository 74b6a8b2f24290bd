package queue

import (
	"context"

	logx "notifyd/pkg/logx"
)

// SweepFavorites drops favorite ids whose records no longer exist. Deletion
// leaves favorites alone, so the set accumulates dangling ids over time; this
// runs on a schedule to keep it bounded. Returns the number of ids removed.
func (e *Engine) SweepFavorites(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids, err := e.store.Favorites(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	recs, err := e.store.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	live := make(map[string]struct{}, len(recs))
	for _, n := range recs {
		live[n.ID] = struct{}{}
	}

	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := live[id]; ok {
			kept = append(kept, id)
		}
	}
	removed := len(ids) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := e.store.SetFavorites(ctx, kept); err != nil {
		return 0, err
	}
	e.log.Info("favorites swept", logx.Int("removed", removed), logx.Int("kept", len(kept)))
	return removed, nil
}

// Pending reports how many undelivered records a user has. The websocket
// handler sends this on connect so a client knows to start polling.
func (e *Engine) Pending(ctx context.Context, userID string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	recs, err := e.store.ListByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if !r.Sent {
			n++
		}
	}
	return n, nil
}
