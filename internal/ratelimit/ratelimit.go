package ratelimit

import (
	"context"
	"sync"
	"time"

	"postflow/internal/store"
	logx "postflow/pkg/logx"
)

// WindowLimit caps grants within one fixed wall-clock bucket (e.g. 10/hour).
type WindowLimit struct {
	Window time.Duration
	Limit  int
}

// PlatformLimits configures one platform.
//
// MinGap is an extra pacing constraint: at least this long between two
// consecutive grants, regardless of window headroom.
type PlatformLimits struct {
	Windows []WindowLimit
	MinGap  time.Duration
}

type Config struct {
	Platforms map[string]PlatformLimits

	// RefundPermanent controls whether Release (called after a permanent
	// adapter rejection) hands the consumed slot back. Kept explicit so the
	// quota policy is visible in configuration.
	RefundPermanent bool
}

// Decision is the answer to a reservation attempt. When not granted, RetryAt
// is the earliest instant a retry can succeed.
type Decision struct {
	Granted bool
	RetryAt time.Time
}

// stateStore persists counters so a restart doesn't reset quota.
// A nil store keeps the limiter purely in-memory (tests).
type stateStore interface {
	LoadRateWindows(ctx context.Context, platform string) ([]store.RateWindow, error)
	SaveRateWindow(ctx context.Context, w store.RateWindow) error
	LastGrant(ctx context.Context, platform string) (time.Time, bool, error)
	SetLastGrant(ctx context.Context, platform string, at time.Time) error
}

type bucket struct {
	window time.Duration
	limit  int
	start  time.Time
	count  int
}

type platformState struct {
	mu        sync.Mutex
	loaded    bool
	buckets   []bucket
	minGap    time.Duration
	lastGrant time.Time
}

// Limiter tracks per-platform rolling-window counters. It is the single
// authority consulted before any platform-bound network call; it knows
// nothing about content or priority.
type Limiter struct {
	cfg   Config
	store stateStore
	log   logx.Logger
	now   func() time.Time

	mu        sync.Mutex
	platforms map[string]*platformState
}

func New(cfg Config, st stateStore, log logx.Logger) *Limiter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Limiter{
		cfg:       cfg,
		store:     st,
		log:       log,
		now:       time.Now,
		platforms: make(map[string]*platformState),
	}
}

// RefundPermanent reports the configured quota-refund policy.
func (l *Limiter) RefundPermanent() bool { return l.cfg.RefundPermanent }

func (l *Limiter) state(platform string) *platformState {
	l.mu.Lock()
	st := l.platforms[platform]
	if st == nil {
		limits := l.cfg.Platforms[platform]
		st = &platformState{minGap: limits.MinGap}
		for _, w := range limits.Windows {
			if w.Window <= 0 || w.Limit <= 0 {
				continue
			}
			st.buckets = append(st.buckets, bucket{window: w.Window, limit: w.Limit})
		}
		l.platforms[platform] = st
	}
	l.mu.Unlock()
	return st
}

// warmStart pulls persisted counters into the in-memory buckets once per
// platform. Stale buckets are discarded by the next roll.
func (l *Limiter) warmStart(ctx context.Context, platform string, st *platformState) {
	if st.loaded {
		return
	}
	st.loaded = true
	if l.store == nil {
		return
	}
	persisted, err := l.store.LoadRateWindows(ctx, platform)
	if err != nil {
		l.log.Warn("rate state load failed", logx.String("platform", platform), logx.Err(err))
		return
	}
	for _, p := range persisted {
		for i := range st.buckets {
			if st.buckets[i].window == p.Window {
				st.buckets[i].start = p.WindowStart
				st.buckets[i].count = p.Count
			}
		}
	}
	if at, ok, err := l.store.LastGrant(ctx, platform); err == nil && ok {
		st.lastGrant = at
	}
}

// roll lazily resets buckets whose wall-clock boundary has been crossed.
// Counters never move backwards within a window; only a boundary crossing
// resets them.
func roll(st *platformState, now time.Time) {
	for i := range st.buckets {
		b := &st.buckets[i]
		start := now.Truncate(b.window)
		if !b.start.Equal(start) {
			b.start = start
			b.count = 0
		}
	}
}

// Reserve grants one posting slot on the platform, or reports when to retry.
// A grant requires headroom in ALL configured windows plus the minimum gap.
func (l *Limiter) Reserve(ctx context.Context, platform string) (Decision, error) {
	st := l.state(platform)
	st.mu.Lock()
	defer st.mu.Unlock()

	l.warmStart(ctx, platform, st)

	now := l.now()
	roll(st, now)

	retryAt := time.Time{}
	if st.minGap > 0 && !st.lastGrant.IsZero() {
		if next := st.lastGrant.Add(st.minGap); now.Before(next) {
			retryAt = next
		}
	}
	for i := range st.buckets {
		b := &st.buckets[i]
		if b.count >= b.limit {
			if end := b.start.Add(b.window); end.After(retryAt) {
				retryAt = end
			}
		}
	}
	if !retryAt.IsZero() {
		return Decision{Granted: false, RetryAt: retryAt}, nil
	}

	for i := range st.buckets {
		st.buckets[i].count++
	}
	st.lastGrant = now
	l.persist(ctx, platform, st, true)
	return Decision{Granted: true}, nil
}

// Release hands a previously granted slot back. Used when a permanent
// adapter rejection means no accepted traffic reached the platform.
func (l *Limiter) Release(ctx context.Context, platform string) {
	st := l.state(platform)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.now()
	roll(st, now)
	for i := range st.buckets {
		if st.buckets[i].count > 0 {
			st.buckets[i].count--
		}
	}
	l.persist(ctx, platform, st, false)
}

// persist is write-through and best-effort: the in-memory counters stay
// authoritative for this process, so a storage hiccup must not block posting.
func (l *Limiter) persist(ctx context.Context, platform string, st *platformState, grant bool) {
	if l.store == nil {
		return
	}
	for _, b := range st.buckets {
		err := l.store.SaveRateWindow(ctx, store.RateWindow{
			Platform:    platform,
			Window:      b.window,
			WindowStart: b.start,
			Count:       b.count,
		})
		if err != nil {
			l.log.Warn("rate state save failed", logx.String("platform", platform), logx.Err(err))
			return
		}
	}
	if grant {
		if err := l.store.SetLastGrant(ctx, platform, st.lastGrant); err != nil {
			l.log.Warn("rate state save failed", logx.String("platform", platform), logx.Err(err))
		}
	}
}
