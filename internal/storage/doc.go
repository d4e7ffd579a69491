// Package storage is the key-value persistence behind feature state.
//
// Drivers:
//   - "memory": process-local map (default when storage is not configured)
//   - "file": snapshot + journal files, no external dependency
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "badger": Badger LSM directory
//
// Every driver also keeps an append-only audit log of operator actions.
// Features reach a Store through Service, which serializes access on one
// worker goroutine and answers over channels.
package storage
