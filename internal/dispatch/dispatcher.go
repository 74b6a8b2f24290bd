// Package dispatch bridges queue events to live connections. It subscribes to
// the in-process bus and forwards each touched notification to the owning
// user's registered channel. Delivery here is strictly best-effort: a user
// with no connection, a full channel, or a dropped bus event all resolve the
// same way, the record stays pending and the client picks it up by polling.
package dispatch

import (
	"sync"

	"notifyd/internal/eventbus"
	"notifyd/internal/notification"
	"notifyd/internal/queue"
	"notifyd/internal/registry"
	logx "notifyd/pkg/logx"
)

const subscribeBuffer = 64

type Dispatcher struct {
	bus      eventbus.Bus
	registry *registry.Registry
	log      logx.Logger

	mu       sync.Mutex
	unsub    func()
	stopDone chan struct{}
}

func New(bus eventbus.Bus, reg *registry.Registry, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{bus: bus, registry: reg, log: log}
}

// Start subscribes and launches the forwarding loop. Idempotent.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsub != nil {
		return
	}
	ch, unsub := d.bus.Subscribe(subscribeBuffer)
	d.unsub = unsub
	d.stopDone = make(chan struct{})
	go d.run(ch, d.stopDone)
	d.log.Debug("dispatcher started")
}

// Stop unsubscribes and waits for the loop to drain. Idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	unsub := d.unsub
	done := d.stopDone
	d.unsub = nil
	d.stopDone = nil
	d.mu.Unlock()

	if unsub == nil {
		return
	}
	unsub()
	<-done
	d.log.Debug("dispatcher stopped")
}

func (d *Dispatcher) run(ch <-chan eventbus.Event, done chan struct{}) {
	defer close(done)
	for ev := range ch {
		switch ev.Type {
		case queue.EventCreated, queue.EventEdited, queue.EventReset:
		default:
			continue
		}
		n, ok := ev.Data.(notification.Notification)
		if !ok {
			d.log.Warn("unexpected event payload", logx.String("type", ev.Type))
			continue
		}
		if d.registry.Send(n.UserID, n) {
			d.log.Debug("pushed",
				logx.String("event", ev.Type), logx.String("id", n.ID), logx.String("user_id", n.UserID))
		}
	}
}
