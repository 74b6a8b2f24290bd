package client

import "sync"

// View is a thread-safe local projection of a notification list, kept current
// from push messages. Apply is idempotent: a record already in the view is
// replaced in place, a new one is prepended (newest first, matching the
// dashboard's display order).
type View struct {
	mu    sync.Mutex
	items []Notification
}

// Apply merges one pushed notification into the view.
func (v *View) Apply(n Notification) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.items {
		if v.items[i].ID == n.ID {
			v.items[i] = n
			return
		}
	}
	v.items = append([]Notification{n}, v.items...)
}

// Remove drops a record by id. Unknown ids are a no-op.
func (v *View) Remove(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.items {
		if v.items[i].ID == id {
			v.items = append(v.items[:i], v.items[i+1:]...)
			return
		}
	}
}

// Replace swaps the whole view, e.g. after a full List refetch.
func (v *View) Replace(items []Notification) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.items = append([]Notification(nil), items...)
}

// Snapshot returns a copy of the current items.
func (v *View) Snapshot() []Notification {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Notification(nil), v.items...)
}
