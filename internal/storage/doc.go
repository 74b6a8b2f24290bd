// Package storage is notifyd's persistence layer.
//
// It holds two tables: the notification records themselves and the set of
// favorited ids. The layer is deliberately dumb (get/put/delete/list); all
// lifecycle decisions live in the queue engine.
//
// Drivers:
//   - "file": JSON snapshot files, human-readable and easy to inspect
//   - "sqlite": single SQLite database file
package storage
