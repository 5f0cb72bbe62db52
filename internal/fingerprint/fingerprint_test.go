package fingerprint

import (
	"context"
	"testing"
	"time"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "hello world", want: "hello world"},
		{name: "case folded", in: "Hello World", want: "hello world"},
		{name: "collapsed runs", in: "hello   \t world", want: "hello world"},
		{name: "trimmed", in: "  hello world \n", want: "hello world"},
		{name: "newlines inside", in: "line one\nline two", want: "line one line two"},
		{name: "empty", in: "   ", want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestHashEquivalence(t *testing.T) {
	t.Parallel()
	a := Hash("Market Update:  RELIANCE up 2%")
	b := Hash("market update: reliance up 2%")
	if a != b {
		t.Fatalf("normalized variants should hash equal: %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("hash length = %d, want 16", len(a))
	}
	if c := Hash("different content"); c == a {
		t.Fatal("distinct content should not collide")
	}
}

type fakeRecords struct {
	live []string
	err  error

	gotFingerprint string
	gotSince       time.Time
}

func (f *fakeRecords) LiveFingerprintPlatforms(_ context.Context, fp string, since time.Time) ([]string, error) {
	f.gotFingerprint = fp
	f.gotSince = since
	return f.live, f.err
}

func TestBlockedPlatformScope(t *testing.T) {
	t.Parallel()
	recs := &fakeRecords{live: []string{"twitter", "linkedin"}}
	e := NewEngine(recs, time.Hour, ScopePlatform)

	blocked, err := e.Blocked(context.Background(), "abc", []string{"twitter", "telegram"})
	if err != nil {
		t.Fatalf("Blocked error: %v", err)
	}
	if len(blocked) != 1 || blocked[0] != "twitter" {
		t.Fatalf("blocked = %v, want [twitter]", blocked)
	}
	if recs.gotFingerprint != "abc" {
		t.Fatalf("queried fingerprint = %q", recs.gotFingerprint)
	}
}

func TestBlockedGlobalScope(t *testing.T) {
	t.Parallel()
	recs := &fakeRecords{live: []string{"twitter"}}
	e := NewEngine(recs, time.Hour, ScopeGlobal)

	blocked, err := e.Blocked(context.Background(), "abc", []string{"twitter", "telegram", "linkedin"})
	if err != nil {
		t.Fatalf("Blocked error: %v", err)
	}
	if len(blocked) != 3 {
		t.Fatalf("global scope should block every target, got %v", blocked)
	}
}

func TestBlockedNoLiveRecords(t *testing.T) {
	t.Parallel()
	e := NewEngine(&fakeRecords{}, time.Hour, ScopePlatform)
	blocked, err := e.Blocked(context.Background(), "abc", []string{"twitter"})
	if err != nil {
		t.Fatalf("Blocked error: %v", err)
	}
	if len(blocked) != 0 {
		t.Fatalf("blocked = %v, want none", blocked)
	}
}

func TestEngineWindowCutoff(t *testing.T) {
	t.Parallel()
	recs := &fakeRecords{}
	e := NewEngine(recs, 2*time.Hour, ScopePlatform)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }

	if _, err := e.Blocked(context.Background(), "abc", []string{"twitter"}); err != nil {
		t.Fatalf("Blocked error: %v", err)
	}
	if want := fixed.Add(-2 * time.Hour); !recs.gotSince.Equal(want) {
		t.Fatalf("since = %v, want %v", recs.gotSince, want)
	}
}

func TestNewEngineDefaults(t *testing.T) {
	t.Parallel()
	e := NewEngine(&fakeRecords{}, 0, Scope("bogus"))
	if e.window != DefaultWindow {
		t.Fatalf("window = %v, want %v", e.window, DefaultWindow)
	}
	if e.scope != ScopePlatform {
		t.Fatalf("scope = %v, want platform", e.scope)
	}
}
