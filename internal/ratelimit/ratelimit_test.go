package ratelimit

import (
	"context"
	"testing"
	"time"

	logx "postflow/pkg/logx"
)

func testLimiter(cfg Config, now *time.Time) *Limiter {
	l := New(cfg, nil, logx.Nop())
	l.now = func() time.Time { return *now }
	return l
}

func TestReserveExhaustsWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	l := testLimiter(Config{Platforms: map[string]PlatformLimits{
		"twitter": {Windows: []WindowLimit{{Window: time.Hour, Limit: 5}}},
	}}, &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Reserve(ctx, "twitter")
		if err != nil {
			t.Fatalf("Reserve #%d error: %v", i, err)
		}
		if !d.Granted {
			t.Fatalf("Reserve #%d should be granted", i)
		}
		now = now.Add(time.Second)
	}

	d, err := l.Reserve(ctx, "twitter")
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if d.Granted {
		t.Fatal("sixth reservation within the hour should be denied")
	}
	if want := now.Truncate(time.Hour).Add(time.Hour); !d.RetryAt.Equal(want) {
		t.Fatalf("RetryAt = %v, want bucket end %v", d.RetryAt, want)
	}
}

func TestReserveResetsOnBoundary(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 10, 59, 0, 0, time.UTC)
	l := testLimiter(Config{Platforms: map[string]PlatformLimits{
		"twitter": {Windows: []WindowLimit{{Window: time.Hour, Limit: 1}}},
	}}, &now)
	ctx := context.Background()

	if d, _ := l.Reserve(ctx, "twitter"); !d.Granted {
		t.Fatal("first reservation should be granted")
	}
	if d, _ := l.Reserve(ctx, "twitter"); d.Granted {
		t.Fatal("second reservation in the same bucket should be denied")
	}

	// Crossing the wall-clock boundary resets the bucket.
	now = time.Date(2025, 6, 1, 11, 0, 1, 0, time.UTC)
	if d, _ := l.Reserve(ctx, "twitter"); !d.Granted {
		t.Fatal("reservation after the boundary should be granted")
	}
}

func TestReserveAllWindowsMustHaveHeadroom(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	l := testLimiter(Config{Platforms: map[string]PlatformLimits{
		"linkedin": {Windows: []WindowLimit{
			{Window: time.Hour, Limit: 10},
			{Window: 24 * time.Hour, Limit: 2},
		}},
	}}, &now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d, _ := l.Reserve(ctx, "linkedin"); !d.Granted {
			t.Fatalf("reservation #%d should be granted", i)
		}
		now = now.Add(time.Minute)
	}

	d, _ := l.Reserve(ctx, "linkedin")
	if d.Granted {
		t.Fatal("daily cap should deny despite hourly headroom")
	}
	if want := now.Truncate(24 * time.Hour).Add(24 * time.Hour); !d.RetryAt.Equal(want) {
		t.Fatalf("RetryAt = %v, want daily bucket end %v", d.RetryAt, want)
	}

	// Rolling into the next hour must not help while the day cap holds.
	now = now.Add(2 * time.Hour)
	if d, _ := l.Reserve(ctx, "linkedin"); d.Granted {
		t.Fatal("hour rollover must not bypass the daily cap")
	}
}

func TestReserveMinGap(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	l := testLimiter(Config{Platforms: map[string]PlatformLimits{
		"telegram": {
			Windows: []WindowLimit{{Window: time.Hour, Limit: 100}},
			MinGap:  10 * time.Minute,
		},
	}}, &now)
	ctx := context.Background()

	if d, _ := l.Reserve(ctx, "telegram"); !d.Granted {
		t.Fatal("first reservation should be granted")
	}
	granted := now

	now = now.Add(3 * time.Minute)
	d, _ := l.Reserve(ctx, "telegram")
	if d.Granted {
		t.Fatal("reservation inside the minimum gap should be denied")
	}
	if want := granted.Add(10 * time.Minute); !d.RetryAt.Equal(want) {
		t.Fatalf("RetryAt = %v, want %v", d.RetryAt, want)
	}

	now = granted.Add(11 * time.Minute)
	if d, _ := l.Reserve(ctx, "telegram"); !d.Granted {
		t.Fatal("reservation after the gap should be granted")
	}
}

func TestReleaseReturnsSlot(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	l := testLimiter(Config{Platforms: map[string]PlatformLimits{
		"twitter": {Windows: []WindowLimit{{Window: time.Hour, Limit: 1}}},
	}}, &now)
	ctx := context.Background()

	if d, _ := l.Reserve(ctx, "twitter"); !d.Granted {
		t.Fatal("first reservation should be granted")
	}
	if d, _ := l.Reserve(ctx, "twitter"); d.Granted {
		t.Fatal("second reservation should be denied")
	}

	l.Release(ctx, "twitter")
	if d, _ := l.Reserve(ctx, "twitter"); !d.Granted {
		t.Fatal("reservation after release should be granted")
	}
}

func TestUnconfiguredPlatformIsUnlimited(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	l := testLimiter(Config{Platforms: map[string]PlatformLimits{}}, &now)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if d, _ := l.Reserve(ctx, "anything"); !d.Granted {
			t.Fatalf("reservation #%d should be granted with no configured limits", i)
		}
	}
}
