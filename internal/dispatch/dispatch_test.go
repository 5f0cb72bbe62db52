package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"postflow/internal/adapters"
	"postflow/internal/eventbus"
	"postflow/internal/ratelimit"
	"postflow/internal/store"
	logx "postflow/pkg/logx"
)

type fakePublisher struct {
	name       string
	externalID string
	err        error
	calls      int
}

func (f *fakePublisher) Name() string { return f.name }
func (f *fakePublisher) Ready() error { return nil }
func (f *fakePublisher) Publish(context.Context, string) (string, error) {
	f.calls++
	return f.externalID, f.err
}

func testDispatcher(t *testing.T, cfg Config, pubs ...adapters.Publisher) (*Dispatcher, *store.Store, eventbus.Bus) {
	t.Helper()
	return testDispatcherWithLimits(t, cfg, map[string]ratelimit.PlatformLimits{}, pubs...)
}

func testDispatcherWithLimits(t *testing.T, cfg Config, limits map[string]ratelimit.PlatformLimits, pubs ...adapters.Publisher) (*Dispatcher, *store.Store, eventbus.Bus) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	limiter := ratelimit.New(ratelimit.Config{
		Platforms:       limits,
		RefundPermanent: true,
	}, nil, logx.Nop())

	reg := adapters.NewRegistry()
	for _, p := range pubs {
		reg.Register(p)
	}
	bus := eventbus.New()
	return New(cfg, st, limiter, reg, bus, logx.Nop()), st, bus
}

func seedPost(t *testing.T, st *store.Store, id, platform string, attempts int) store.Post {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	p := store.Post{
		ID:          id,
		Platform:    platform,
		Fingerprint: "fp-" + id,
		Body:        "content of " + id,
		Priority:    store.PriorityNormal,
		Status:      store.StatusPending,
		CreatedAt:   now,
		NotBefore:   now,
	}
	if err := st.CreatePosts(ctx, []store.Post{p}); err != nil {
		t.Fatalf("CreatePosts error: %v", err)
	}
	if attempts > 0 {
		if err := st.MarkRetry(ctx, id, platform, attempts, now, "earlier failure"); err != nil {
			t.Fatalf("MarkRetry error: %v", err)
		}
		p.Attempts = attempts
	}
	if ok, err := st.Claim(ctx, id, platform, now); err != nil || !ok {
		t.Fatalf("Claim = (%v, %v), want success", ok, err)
	}
	p.Status = store.StatusDispatched
	return p
}

func seedPending(t *testing.T, st *store.Store, id, platform string, prio store.Priority, created time.Time) store.Post {
	t.Helper()
	p := store.Post{
		ID:          id,
		Platform:    platform,
		Fingerprint: "fp-" + id,
		Body:        "content of " + id,
		Priority:    prio,
		Status:      store.StatusPending,
		CreatedAt:   created,
		NotBefore:   created,
	}
	if err := st.CreatePosts(context.Background(), []store.Post{p}); err != nil {
		t.Fatalf("CreatePosts error: %v", err)
	}
	return p
}

func fetch(t *testing.T, st *store.Store, id string) store.Post {
	t.Helper()
	posts, err := st.PostsByID(context.Background(), id)
	if err != nil {
		t.Fatalf("PostsByID(%s) error: %v", id, err)
	}
	return posts[0]
}

func TestExecuteSuccessMarksPosted(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{name: "twitter", externalID: "tweet-1"}
	d, st, bus := testDispatcher(t, Config{}, pub)

	events, unsub := bus.Subscribe(8)
	defer unsub()

	p := seedPost(t, st, "id-1", "twitter", 0)
	d.execute(context.Background(), p, nil)

	got := fetch(t, st, "id-1")
	if got.Status != store.StatusPosted || got.ExternalID != "tweet-1" {
		t.Fatalf("row after success: %+v", got)
	}
	if pub.calls != 1 {
		t.Fatalf("publisher calls = %d, want 1", pub.calls)
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.EventPostPosted {
			t.Fatalf("event type = %s, want %s", ev.Type, eventbus.EventPostPosted)
		}
	default:
		t.Fatal("expected a posted event")
	}
}

func TestExecuteTransientSchedulesRetry(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{name: "twitter", err: adapters.Transient(errors.New("http 503"))}
	d, st, _ := testDispatcher(t, Config{BackoffBase: time.Minute, BackoffMax: time.Hour}, pub)

	before := time.Now()
	p := seedPost(t, st, "id-1", "twitter", 0)
	d.execute(context.Background(), p, nil)

	got := fetch(t, st, "id-1")
	if got.Status != store.StatusPending {
		t.Fatalf("status = %s, want pending for retry", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	// First retry waits the base backoff (no jitter without an RNG).
	if got.NotBefore.Before(before.Add(time.Minute - time.Second)) {
		t.Fatalf("not_before = %v, want about a minute out", got.NotBefore)
	}
	if got.LastError == "" {
		t.Fatal("last_error should record the failure")
	}
}

func TestExecutePermanentDeadLetters(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{name: "twitter", err: adapters.Permanent(errors.New("http 401"))}
	d, st, bus := testDispatcher(t, Config{MaxAttempts: 5}, pub)

	events, unsub := bus.Subscribe(8)
	defer unsub()

	p := seedPost(t, st, "id-1", "twitter", 0)
	d.execute(context.Background(), p, nil)

	got := fetch(t, st, "id-1")
	if got.Status != store.StatusDeadLettered {
		t.Fatalf("status = %s, want dead_lettered on permanent failure", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retries on permanent)", got.Attempts)
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.EventPostDeadLettered {
			t.Fatalf("event type = %s, want %s", ev.Type, eventbus.EventPostDeadLettered)
		}
	default:
		t.Fatal("expected a dead-letter event")
	}
}

func TestExecuteExhaustionDeadLetters(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{name: "twitter", err: adapters.Transient(errors.New("http 503"))}
	d, st, _ := testDispatcher(t, Config{MaxAttempts: 3}, pub)

	// Two attempts already burned; this one is the last.
	p := seedPost(t, st, "id-1", "twitter", 2)
	d.execute(context.Background(), p, nil)

	got := fetch(t, st, "id-1")
	if got.Status != store.StatusDeadLettered {
		t.Fatalf("status = %s, want dead_lettered after max attempts", got.Status)
	}
	if got.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", got.Attempts)
	}
}

func TestExecuteMissingAdapterDeadLetters(t *testing.T) {
	t.Parallel()
	d, st, _ := testDispatcher(t, Config{}) // empty registry

	p := seedPost(t, st, "id-1", "mastodon", 0)
	d.execute(context.Background(), p, nil)

	got := fetch(t, st, "id-1")
	if got.Status != store.StatusDeadLettered {
		t.Fatalf("status = %s, want dead_lettered for unknown platform", got.Status)
	}
}

func TestExecuteRetryAfterHintWins(t *testing.T) {
	t.Parallel()
	hint := 5 * time.Minute
	pub := &fakePublisher{name: "twitter", err: adapters.RetryAfter(errors.New("http 429"), hint)}
	d, st, _ := testDispatcher(t, Config{BackoffBase: time.Second, BackoffMax: time.Hour}, pub)

	before := time.Now()
	p := seedPost(t, st, "id-1", "twitter", 0)
	d.execute(context.Background(), p, nil)

	got := fetch(t, st, "id-1")
	if got.Status != store.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.NotBefore.Before(before.Add(hint - time.Second)) {
		t.Fatalf("not_before = %v, want the 429 hint (~%s) to win over base backoff", got.NotBefore, hint)
	}
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()
	d, _, _ := testDispatcher(t, Config{BackoffBase: time.Second, BackoffMax: 10 * time.Second})

	transient := adapters.Transient(errors.New("x"))
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 8 * time.Second},
		{attempt: 5, want: 10 * time.Second}, // capped
		{attempt: 8, want: 10 * time.Second},
	}
	for _, tt := range tests {
		if got := d.backoff(tt.attempt, transient, nil); got != tt.want {
			t.Fatalf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPassSaturatedPlatformDoesNotStarveOthers(t *testing.T) {
	t.Parallel()
	d, st, _ := testDispatcherWithLimits(t, Config{BatchSize: 10}, map[string]ratelimit.PlatformLimits{
		"twitter": {Windows: []ratelimit.WindowLimit{{Window: time.Hour, Limit: 1}}},
	})
	d.queue = make(chan store.Post, 32)
	ctx := context.Background()

	// Burn twitter's only slot for this hour.
	if dec, err := d.limiter.Reserve(ctx, "twitter"); err != nil || !dec.Granted {
		t.Fatalf("Reserve = (%+v, %v), want granted", dec, err)
	}

	// A twitter backlog wider than the batch must not hide the telegram row.
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 20; i++ {
		seedPending(t, st, fmt.Sprintf("tw-%02d", i), "twitter", store.PriorityNormal, base.Add(time.Duration(i)*time.Second))
	}
	seedPending(t, st, "tg-1", "telegram", store.PriorityNormal, base.Add(time.Minute))

	deferred := make(map[string]time.Time)
	for i := 0; i < 5; i++ {
		d.pass(ctx, deferred)
		if fetch(t, st, "tg-1").Status == store.StatusDispatched {
			return
		}
	}
	t.Fatalf("telegram row still %s after 5 passes", fetch(t, st, "tg-1").Status)
}

func TestPassRateLimitBoundsDispatch(t *testing.T) {
	t.Parallel()
	d, st, _ := testDispatcherWithLimits(t, Config{BatchSize: 10}, map[string]ratelimit.PlatformLimits{
		"twitter": {Windows: []ratelimit.WindowLimit{{Window: time.Hour, Limit: 5}}},
	})
	d.queue = make(chan store.Post, 32)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	ids := make([]string, 0, 6)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("normal-%d", i)
		seedPending(t, st, id, "twitter", store.PriorityNormal, base.Add(time.Duration(i)*time.Minute))
		ids = append(ids, id)
	}
	seedPending(t, st, "late-high", "twitter", store.PriorityHigh, base.Add(10*time.Minute))
	ids = append(ids, "late-high")

	d.pass(ctx, make(map[string]time.Time))

	dispatched := 0
	for _, id := range ids {
		if fetch(t, st, id).Status == store.StatusDispatched {
			dispatched++
		}
	}
	if dispatched != 5 {
		t.Fatalf("dispatched = %d, want exactly the hourly limit of 5", dispatched)
	}
	if got := fetch(t, st, "late-high").Status; got != store.StatusDispatched {
		t.Fatalf("high priority row = %s, want dispatched ahead of older normals", got)
	}
	if got := fetch(t, st, "normal-4").Status; got != store.StatusPending {
		t.Fatalf("newest normal row = %s, want pending past the limit", got)
	}
}

func TestClaimLostRefundsSlot(t *testing.T) {
	t.Parallel()
	d, st, _ := testDispatcherWithLimits(t, Config{}, map[string]ratelimit.PlatformLimits{
		"twitter": {Windows: []ratelimit.WindowLimit{{Window: time.Hour, Limit: 1}}},
	})
	d.queue = make(chan store.Post, 1)
	ctx := context.Background()
	now := time.Now()

	p := seedPending(t, st, "id-1", "twitter", store.PriorityNormal, now)
	if dec, err := d.limiter.Reserve(ctx, "twitter"); err != nil || !dec.Granted {
		t.Fatalf("Reserve = (%+v, %v), want granted", dec, err)
	}

	// Another pass wins the row between selection and claim.
	if ok, err := st.Claim(ctx, "id-1", "twitter", now); err != nil || !ok {
		t.Fatalf("Claim = (%v, %v), want success", ok, err)
	}

	if d.claim(ctx, p, now) {
		t.Fatal("claim should report false for a row already taken")
	}
	if dec, err := d.limiter.Reserve(ctx, "twitter"); err != nil || !dec.Granted {
		t.Fatalf("Reserve after refund = (%+v, %v), want granted again", dec, err)
	}
}

func TestRecoverRequeuesDispatched(t *testing.T) {
	t.Parallel()
	d, st, _ := testDispatcher(t, Config{})

	seedPost(t, st, "stranded", "twitter", 0) // leaves the row dispatched

	if err := d.Recover(context.Background()); err != nil {
		t.Fatalf("Recover error: %v", err)
	}
	got := fetch(t, st, "stranded")
	if got.Status != store.StatusPending {
		t.Fatalf("status = %s, want pending after recovery", got.Status)
	}
}
