// Package adapters holds the uniform publisher contract and the platform
// implementations behind it.
//
// Adapters classify their own failures: the dispatch pipeline only looks at
// the Transient/Permanent markers, never at platform payloads.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"
)

// truncateRunes caps s at max runes. Platform length limits count characters,
// not bytes, and a byte slice could split a UTF-8 sequence.
func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// Publisher is the per-platform publish capability.
//
// Publish must be idempotent or tolerate at-least-once invocation: the core
// guarantees at-most-once per fingerprint only within its own bookkeeping,
// not across a crash mid-call.
type Publisher interface {
	Name() string
	// Ready reports whether the adapter is usable (credentials present,
	// client initialized). An unready adapter never crashes the dispatch
	// loop; it yields a permanent failure instead.
	Ready() error
	// Publish posts the body and returns the platform's external reference.
	// Failures must be wrapped with Transient or Permanent.
	Publish(ctx context.Context, body string) (externalID string, err error)
}

// ---- error classification ----

// Transient marks a failure worth retrying (network, 5xx, timeouts).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// Permanent marks a failure that retrying cannot fix (rejected content,
// bad credentials, missing configuration).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// RetryAfter marks a transient failure carrying the platform's own retry
// hint (e.g. HTTP 429 Retry-After).
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

func IsTransient(err error) bool {
	var t transientError
	var ra retryAfterError
	return errors.As(err, &t) || errors.As(err, &ra)
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// RetryHint extracts an explicit retry delay, if the error carries one.
func RetryHint(err error) (time.Duration, bool) {
	var ra retryAfterError
	if errors.As(err, &ra) {
		return ra.after, true
	}
	return 0, false
}

type transientError struct{ err error }

func (e transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e transientError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string { return fmt.Sprintf("transient(retry-after %s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error { return e.err }

// ---- registry ----

// Registry maps platform names to publishers. It is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Publisher
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Publisher)}
}

func (r *Registry) Register(p Publisher) {
	if p == nil {
		return
	}
	r.mu.Lock()
	r.m[p.Name()] = p
	r.mu.Unlock()
}

func (r *Registry) Get(platform string) (Publisher, bool) {
	r.mu.RLock()
	p, ok := r.m[platform]
	r.mu.RUnlock()
	return p, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.m))
	for n := range r.m {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Health reports per-adapter readiness. A nil value means ready.
func (r *Registry) Health() map[string]error {
	r.mu.RLock()
	out := make(map[string]error, len(r.m))
	for n, p := range r.m {
		out[n] = p.Ready()
	}
	r.mu.RUnlock()
	return out
}
