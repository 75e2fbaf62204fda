// Package notify turns lifecycle transitions into stored notifications.
//
// # Dispatcher
//
// Service.Enqueue is the per-user entry point. Each call runs dedupe, the
// per-user and global capacity checks, an in-memory append and then hands the
// user's full list to the persistence lane when both resource guards pass.
// The result is always an Outcome; nothing here panics or returns an error
// for disabled, duplicate or over-capacity input.
//
// # Global feed
//
// Broadcaster keeps the process-wide ring buffer of announcements. It shares
// the dedupe discipline of the dispatcher, persists the whole buffer as one
// snapshot and pushes each accepted entry to every live global subscriber.
//
// # Read model
//
// Listing, read/dismiss marks, expiry and retention live next to the
// dispatcher (reads.go, flush.go) so every mutation re-persists the owning
// user's snapshot.
package notify
