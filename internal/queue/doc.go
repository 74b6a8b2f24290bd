// Package queue owns the notification lifecycle and the favorites side-channel.
//
// The engine is the only component allowed to decide "has this been
// delivered". delivered (the wire's "sent" flag) is set exactly when a record
// is claimed via Poll; the push path is a best-effort notice and never flips
// it. Create, Edit and Reset force it back to false, which is what makes
// re-delivery idempotent after a disconnect.
package queue
