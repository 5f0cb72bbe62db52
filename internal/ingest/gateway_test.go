package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"postflow/internal/compliance"
	"postflow/internal/eventbus"
	"postflow/internal/fingerprint"
	"postflow/internal/store"
	logx "postflow/pkg/logx"
)

func testGateway(t *testing.T, scope fingerprint.Scope) (*Gateway, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	engine := fingerprint.NewEngine(st, 24*time.Hour, scope)
	filter := compliance.NewFilter(nil, logx.Nop())
	g := NewGateway(st, engine, filter, eventbus.New(), logx.Nop())
	return g, st
}

func TestSubmitFansOutPerPlatform(t *testing.T) {
	t.Parallel()
	g, st := testGateway(t, fingerprint.ScopePlatform)
	ctx := context.Background()

	rec, err := g.Submit(ctx, Request{
		Body:      "Nifty closed flat today.",
		Platforms: []string{"Twitter", "telegram", "twitter"},
		Priority:  store.PriorityNormal,
		Source:    "digest",
	})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if len(rec.Accepted) != 2 {
		t.Fatalf("accepted = %v, want folded set of 2", rec.Accepted)
	}

	posts, err := st.PostsByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("PostsByID error: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("rows = %d, want one per platform", len(posts))
	}
	for _, p := range posts {
		if p.Status != store.StatusPending {
			t.Fatalf("status = %s, want pending", p.Status)
		}
		if p.Fingerprint != posts[0].Fingerprint {
			t.Fatal("fan-out rows must share the fingerprint")
		}
		if p.Source != "digest" {
			t.Fatalf("source = %q, want digest", p.Source)
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	g, _ := testGateway(t, fingerprint.ScopePlatform)
	ctx := context.Background()

	var verr *ValidationError
	if _, err := g.Submit(ctx, Request{Body: "  ", Platforms: []string{"twitter"}, Priority: store.PriorityNormal}); !errors.As(err, &verr) {
		t.Fatalf("empty body: err = %v, want ValidationError", err)
	}
	if _, err := g.Submit(ctx, Request{Body: "x", Priority: store.PriorityNormal}); !errors.As(err, &verr) {
		t.Fatalf("no platforms: err = %v, want ValidationError", err)
	}
	if _, err := g.Submit(ctx, Request{Body: "x", Platforms: []string{"twitter"}, Priority: store.Priority(9)}); !errors.As(err, &verr) {
		t.Fatalf("bad priority: err = %v, want ValidationError", err)
	}
}

func TestSubmitComplianceReject(t *testing.T) {
	t.Parallel()
	g, st := testGateway(t, fingerprint.ScopePlatform)
	ctx := context.Background()

	var cerr *ComplianceError
	_, err := g.Submit(ctx, Request{
		Body:      "Guaranteed returns, join today!",
		Platforms: []string{"twitter"},
		Priority:  store.PriorityNormal,
	})
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want ComplianceError", err)
	}

	// Rejected content must not consume a dedup slot.
	fp := fingerprint.Hash("Guaranteed returns, join today!")
	live, err := st.LiveFingerprintPlatforms(ctx, fp, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("LiveFingerprintPlatforms error: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("rejected content left records: %v", live)
	}
}

func TestSubmitAmendedBodyIsFingerprinted(t *testing.T) {
	t.Parallel()
	g, st := testGateway(t, fingerprint.ScopePlatform)
	ctx := context.Background()

	rec, err := g.Submit(ctx, Request{
		Body:      "Buy RELIANCE at 2800, target price 2950.",
		Platforms: []string{"twitter"},
		Priority:  store.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if !rec.Amended {
		t.Fatal("advisory content without disclaimer should be amended")
	}

	posts, _ := st.PostsByID(ctx, rec.ID)
	if posts[0].Fingerprint != fingerprint.Hash(posts[0].Body) {
		t.Fatal("fingerprint must hash the amended body, not the original")
	}
}

func TestSubmitDuplicateBlockedPerPlatform(t *testing.T) {
	t.Parallel()
	g, _ := testGateway(t, fingerprint.ScopePlatform)
	ctx := context.Background()
	body := "Market update: RELIANCE up 2%"

	if _, err := g.Submit(ctx, Request{Body: body, Platforms: []string{"twitter"}, Priority: store.PriorityNormal}); err != nil {
		t.Fatalf("first Submit error: %v", err)
	}

	// Same content, wider platform set: the covered platform is dropped, the
	// new one is accepted.
	rec, err := g.Submit(ctx, Request{
		Body:      "  market update:  reliance up 2%  ", // normalizes equal
		Platforms: []string{"twitter", "telegram"},
		Priority:  store.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("second Submit error: %v", err)
	}
	if len(rec.Accepted) != 1 || rec.Accepted[0] != "telegram" {
		t.Fatalf("accepted = %v, want [telegram]", rec.Accepted)
	}
	if len(rec.Dropped) != 1 || rec.Dropped[0] != "twitter" {
		t.Fatalf("dropped = %v, want [twitter]", rec.Dropped)
	}

	// Fully covered resubmission is refused outright.
	_, err = g.Submit(ctx, Request{Body: body, Platforms: []string{"twitter", "telegram"}, Priority: store.PriorityNormal})
	if !errors.Is(err, ErrDuplicateContent) {
		t.Fatalf("err = %v, want ErrDuplicateContent", err)
	}
}

func TestSubmitDuplicateBlockedGlobally(t *testing.T) {
	t.Parallel()
	g, _ := testGateway(t, fingerprint.ScopeGlobal)
	ctx := context.Background()
	body := "One-off announcement"

	if _, err := g.Submit(ctx, Request{Body: body, Platforms: []string{"twitter"}, Priority: store.PriorityNormal}); err != nil {
		t.Fatalf("first Submit error: %v", err)
	}
	_, err := g.Submit(ctx, Request{Body: body, Platforms: []string{"telegram"}, Priority: store.PriorityNormal})
	if !errors.Is(err, ErrDuplicateContent) {
		t.Fatalf("err = %v, want ErrDuplicateContent under global scope", err)
	}
}

func TestSubmitNotBeforeFloorsToNow(t *testing.T) {
	t.Parallel()
	g, st := testGateway(t, fingerprint.ScopePlatform)
	ctx := context.Background()

	rec, err := g.Submit(ctx, Request{
		Body:      "scheduled item",
		Platforms: []string{"twitter"},
		Priority:  store.PriorityNormal,
		NotBefore: time.Now().Add(-time.Hour), // stale timestamps are clamped
	})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	posts, _ := st.PostsByID(ctx, rec.ID)
	if posts[0].NotBefore.Before(posts[0].CreatedAt) {
		t.Fatalf("not_before %v is before created_at %v", posts[0].NotBefore, posts[0].CreatedAt)
	}
}
