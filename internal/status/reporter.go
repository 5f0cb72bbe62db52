// Package status answers read-only queries about submissions and platform
// throughput. It layers on the store and performs no writes.
package status

import (
	"context"
	"time"

	"postflow/internal/store"
)

// PlatformStatus is the per-platform view of one submission.
type PlatformStatus struct {
	Platform   string     `json:"platform"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	NotBefore  *time.Time `json:"not_before,omitempty"`
	PostedAt   *time.Time `json:"posted_at,omitempty"`
	ExternalID string     `json:"external_id,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// Submission aggregates every platform slot created for one submission id.
type Submission struct {
	ID          string           `json:"id"`
	Fingerprint string           `json:"fingerprint"`
	Source      string           `json:"source,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	Body        string           `json:"body"`
	Platforms   []PlatformStatus `json:"platforms"`
}

// Metrics is the per-platform counter snapshot over a window.
type Metrics struct {
	Platform    string    `json:"platform"`
	Since       time.Time `json:"since"`
	Posted      int       `json:"posted"`
	Failed      int       `json:"failed"`
	DeadLetters int       `json:"dead_letters"`
	Pending     int       `json:"pending"`
}

type Reporter struct {
	store *store.Store
	now   func() time.Time
}

func NewReporter(st *store.Store) *Reporter {
	return &Reporter{store: st, now: time.Now}
}

// Submission returns the full record for one submission id, or
// store.ErrNotFound when no platform slot carries it.
func (r *Reporter) Submission(ctx context.Context, id string) (Submission, error) {
	posts, err := r.store.PostsByID(ctx, id)
	if err != nil {
		return Submission{}, err
	}
	sub := Submission{
		ID:          id,
		Fingerprint: posts[0].Fingerprint,
		Source:      posts[0].Source,
		CreatedAt:   posts[0].CreatedAt,
		Body:        posts[0].Body,
	}
	for _, p := range posts {
		ps := PlatformStatus{
			Platform:   p.Platform,
			Status:     string(p.Status),
			Attempts:   p.Attempts,
			ExternalID: p.ExternalID,
			LastError:  p.LastError,
		}
		if p.Status == store.StatusPending && !p.NotBefore.IsZero() {
			t := p.NotBefore
			ps.NotBefore = &t
		}
		if !p.PostedAt.IsZero() {
			t := p.PostedAt
			ps.PostedAt = &t
		}
		sub.Platforms = append(sub.Platforms, ps)
	}
	return sub, nil
}

// Metrics returns counters for a platform over the trailing window.
// A zero window means all time.
func (r *Reporter) Metrics(ctx context.Context, platform string, window time.Duration) (Metrics, error) {
	since := time.Unix(0, 0).UTC()
	if window > 0 {
		since = r.now().Add(-window)
	}
	m, err := r.store.PlatformMetrics(ctx, platform, since)
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{
		Platform:    platform,
		Since:       since,
		Posted:      m.Posted,
		Failed:      m.Failed,
		DeadLetters: m.DeadLettered,
		Pending:     m.PendingCount,
	}, nil
}

// DeadLetter is one dead-lettered slot as shown to operators.
type DeadLetter struct {
	ID        string    `json:"id"`
	Platform  string    `json:"platform"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Body      string    `json:"body"`
}

// DeadLetters lists the most recent dead-lettered slots for operator review.
func (r *Reporter) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	posts, err := r.store.DeadLettered(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(posts))
	for _, p := range posts {
		out = append(out, DeadLetter{
			ID:        p.ID,
			Platform:  p.Platform,
			Attempts:  p.Attempts,
			LastError: p.LastError,
			CreatedAt: p.CreatedAt,
			Body:      p.Body,
		})
	}
	return out, nil
}
