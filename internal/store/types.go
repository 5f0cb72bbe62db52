package store

import (
	"errors"
	"time"
)

var (
	ErrClosed   = errors.New("store closed")
	ErrNotFound = errors.New("not found")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Status is the per-(item, platform) lifecycle state.
//
// Transitions: pending -> dispatched -> posted, or dispatched -> pending
// (retry with incremented attempts), or dispatched -> dead_lettered.
// A transient failure is recorded as the retry transition itself; there is
// no separate persisted "failed" state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDispatched   Status = "dispatched"
	StatusPosted       Status = "posted"
	StatusDeadLettered Status = "dead_lettered"
)

func (s Status) Terminal() bool {
	return s == StatusPosted || s == StatusDeadLettered
}

// Priority orders dispatch within the eligible set. Higher dispatches first.
type Priority int

const (
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority accepts "normal" / "high" (case-insensitive). Empty means normal.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "", "normal", "Normal", "NORMAL":
		return PriorityNormal, true
	case "high", "High", "HIGH":
		return PriorityHigh, true
	default:
		return PriorityNormal, false
	}
}

// Post is one (item, platform) row. A multi-target submission shares one ID
// across rows; each platform progresses independently.
type Post struct {
	ID             string
	Platform       string
	Fingerprint    string
	Body           string
	Priority       Priority
	Status         Status
	Source         string
	ComplianceNote string

	CreatedAt    time.Time
	NotBefore    time.Time
	DispatchedAt time.Time // zero until first claim
	PostedAt     time.Time // zero unless posted

	Attempts   int
	LastError  string
	ExternalID string
}

// PostingRecord is one append-only history row keyed (fingerprint, platform, posted_at).
type PostingRecord struct {
	Fingerprint string
	Platform    string
	PostedAt    time.Time
	PostID      string
	Source      string
	Success     bool
	ExternalID  string
}

// Metrics summarizes one platform over a window.
type Metrics struct {
	Platform     string `json:"platform"`
	Posted       int    `json:"posted"`
	Failed       int    `json:"failed"`
	DeadLettered int    `json:"dead_lettered"`
	PendingCount int    `json:"pending_count"`
}

// RateWindow is the persisted counter for one (platform, window) bucket.
type RateWindow struct {
	Platform    string
	Window      time.Duration
	WindowStart time.Time
	Count       int
}
