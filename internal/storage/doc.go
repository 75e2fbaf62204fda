// Package storage persists notification snapshots.
//
// A snapshot is an opaque JSON body that always carries the full current list
// for its owner, so every write replaces the previous one wholesale:
//   - one record per user (keyed by user id)
//   - one record for the global broadcast buffer
//
// Drivers: "file" (atomic write-then-rename), "sqlite" (modernc.org/sqlite via sqlx),
// "memory" (tests and storage-less runs).
package storage
