package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"
)

// Scope controls how wide a live fingerprint record blocks re-submission.
type Scope string

const (
	// ScopePlatform blocks a re-submission only on platforms that already
	// carry a live record for the fingerprint. This matches the behavior of
	// per-platform duplicate checks at ingestion.
	ScopePlatform Scope = "platform"
	// ScopeGlobal blocks a re-submission on every platform while the
	// fingerprint is live anywhere.
	ScopeGlobal Scope = "global"
)

const DefaultWindow = 24 * time.Hour

// Normalize folds case and collapses runs of whitespace so near-identical
// resubmissions hash the same. This is a policy choice, not a collision
// concern.
func Normalize(body string) string {
	var b strings.Builder
	b.Grow(len(body))
	space := false
	for _, r := range strings.TrimSpace(body) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// Hash returns the deterministic content fingerprint of a body.
// 64 bits of SHA-256 is plenty for dedup; the short form keeps keys readable
// in the database and in logs.
func Hash(body string) string {
	sum := sha256.Sum256([]byte(Normalize(body)))
	return hex.EncodeToString(sum[:8])
}

// recordStore answers which platforms hold a live record for a fingerprint.
type recordStore interface {
	LiveFingerprintPlatforms(ctx context.Context, fingerprint string, since time.Time) ([]string, error)
}

// Engine answers dedup queries against the persisted record pool.
type Engine struct {
	store  recordStore
	window time.Duration
	scope  Scope
	now    func() time.Time
}

func NewEngine(store recordStore, window time.Duration, scope Scope) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	if scope != ScopeGlobal {
		scope = ScopePlatform
	}
	return &Engine{store: store, window: window, scope: scope, now: time.Now}
}

// Blocked returns the subset of targets that a live duplicate already covers.
// Under ScopeGlobal any live record blocks every target.
func (e *Engine) Blocked(ctx context.Context, hash string, targets []string) ([]string, error) {
	live, err := e.store.LiveFingerprintPlatforms(ctx, hash, e.now().Add(-e.window))
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		return nil, nil
	}
	if e.scope == ScopeGlobal {
		blocked := make([]string, len(targets))
		copy(blocked, targets)
		return blocked, nil
	}
	set := make(map[string]struct{}, len(live))
	for _, p := range live {
		set[p] = struct{}{}
	}
	var blocked []string
	for _, t := range targets {
		if _, ok := set[t]; ok {
			blocked = append(blocked, t)
		}
	}
	return blocked, nil
}

// IsDuplicate reports whether the fingerprint is covered for one platform.
func (e *Engine) IsDuplicate(ctx context.Context, hash, platform string) (bool, error) {
	blocked, err := e.Blocked(ctx, hash, []string{platform})
	if err != nil {
		return false, err
	}
	return len(blocked) > 0, nil
}
