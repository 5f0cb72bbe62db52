// Package store persists queue items, posting history and rate-limiter
// state in SQLite.
//
// All state transitions are single statements or transactions per
// (id, platform) row, so a crash never leaves a row half-updated.
package store
