package registry

import (
	"sync"

	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"
)

// Channel is one live push connection for one user.
//
// Send must be non-blocking: it reports false instead of waiting when the
// channel is congested or closed. Close must be safe to call more than once.
type Channel interface {
	Send(n notification.Notification) bool
	Close()
}

// Registry maps a user id to at most one live channel. One Registry is owned
// by the server process and injected where needed.
type Registry struct {
	mu    sync.Mutex
	log   logx.Logger
	chans map[string]Channel
}

func New(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{log: log, chans: map[string]Channel{}}
}

// Register installs ch as the live channel for userID. Last writer wins: a
// prior channel for the same user is evicted and closed.
func (r *Registry) Register(userID string, ch Channel) {
	r.mu.Lock()
	prev := r.chans[userID]
	r.chans[userID] = ch
	r.mu.Unlock()

	if prev != nil && prev != ch {
		prev.Close()
		r.log.Debug("evicted prior channel", logx.String("user_id", userID))
	}
	r.log.Debug("channel registered", logx.String("user_id", userID))
}

// Unregister removes the mapping only if ch is still the current channel, so
// a stale close can't evict a newer connection.
func (r *Registry) Unregister(userID string, ch Channel) {
	r.mu.Lock()
	cur, ok := r.chans[userID]
	if ok && cur == ch {
		delete(r.chans, userID)
	}
	r.mu.Unlock()

	if ok && cur == ch {
		r.log.Debug("channel unregistered", logx.String("user_id", userID))
	}
}

// Send pushes n to the user's channel if one is registered and accepting.
// false means "no delivery now"; the caller falls back to pending-queue
// semantics. There is no retry here.
func (r *Registry) Send(userID string, n notification.Notification) bool {
	r.mu.Lock()
	ch := r.chans[userID]
	r.mu.Unlock()

	if ch == nil {
		return false
	}
	return ch.Send(n)
}

// Connected reports whether a channel is currently registered for userID.
func (r *Registry) Connected(userID string) bool {
	r.mu.Lock()
	_, ok := r.chans[userID]
	r.mu.Unlock()
	return ok
}

// CloseAll closes and drops every registered channel (shutdown path).
func (r *Registry) CloseAll() {
	r.mu.Lock()
	chans := r.chans
	r.chans = map[string]Channel{}
	r.mu.Unlock()

	for _, ch := range chans {
		ch.Close()
	}
}
