// Package ingest admits new content items into the queue.
//
// Ingestion does no network calls: compliance review, fingerprinting and
// dedup all resolve locally, and the result is a set of pending rows.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"postflow/internal/compliance"
	"postflow/internal/eventbus"
	"postflow/internal/fingerprint"
	"postflow/internal/store"
	logx "postflow/pkg/logx"
)

var (
	// ErrDuplicateContent is a policy outcome, not a fault: every requested
	// platform was already covered by a live record of the same fingerprint.
	ErrDuplicateContent = errors.New("duplicate content")
)

// ComplianceError carries the rule-checker's rejection reason. No item is
// created when it is returned.
type ComplianceError struct {
	Reason string
}

func (e *ComplianceError) Error() string { return "compliance rejected: " + e.Reason }

// ValidationError reports a malformed submission.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid submission: " + e.Reason }

// Request is one producer submission. Platforms is a set: duplicates are
// folded, order is not significant.
type Request struct {
	Body      string
	Platforms []string
	Priority  store.Priority
	NotBefore time.Time // zero means immediately eligible
	Source    string
}

// Receipt reports the admitted item. Dropped lists platforms removed by the
// dedup check; Amended is set when compliance rewrote the body.
type Receipt struct {
	ID       string
	Accepted []string
	Dropped  []string
	Amended  bool
}

const lockStripes = 64

// Gateway validates and admits submissions.
type Gateway struct {
	store  *store.Store
	engine *fingerprint.Engine
	filter *compliance.Filter
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	// Striped locks serialize ingestion per fingerprint so two concurrent
	// submissions of the same content cannot both pass the dedup check.
	locks [lockStripes]sync.Mutex
}

func NewGateway(st *store.Store, engine *fingerprint.Engine, filter *compliance.Filter, bus eventbus.Bus, log logx.Logger) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{
		store:  st,
		engine: engine,
		filter: filter,
		bus:    bus,
		log:    log,
		now:    time.Now,
	}
}

func (g *Gateway) lockFor(fp string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fp))
	return &g.locks[h.Sum32()%lockStripes]
}

// Submit runs the admission pipeline: compliance, fingerprint, per-platform
// dedup, persist. Rejections surface synchronously; dispatch failures later
// surface only through the status API.
func (g *Gateway) Submit(ctx context.Context, req Request) (Receipt, error) {
	platforms, err := normalizePlatforms(req.Platforms)
	if err != nil {
		return Receipt{}, err
	}
	if strings.TrimSpace(req.Body) == "" {
		return Receipt{}, &ValidationError{Reason: "body is empty"}
	}
	if req.Priority != store.PriorityNormal && req.Priority != store.PriorityHigh {
		return Receipt{}, &ValidationError{Reason: "unknown priority"}
	}

	// Compliance first: rejected content must not consume a dedup slot.
	// A nil filter means compliance is switched off.
	body := req.Body
	amended := false
	var rev compliance.Review
	if g.filter != nil {
		var err error
		rev, err = g.filter.Review(ctx, req.Body)
		if err != nil {
			return Receipt{}, fmt.Errorf("compliance review: %w", err)
		}
		if rev.Verdict == compliance.VerdictReject {
			return Receipt{}, &ComplianceError{Reason: rev.Reason}
		}
		body = rev.Body
		amended = rev.Verdict == compliance.VerdictAmend
	}

	// The amended fingerprint, not the original, is what dedup tracks.
	fp := fingerprint.Hash(body)

	mu := g.lockFor(fp)
	mu.Lock()
	defer mu.Unlock()

	blocked, err := g.engine.Blocked(ctx, fp, platforms)
	if err != nil {
		return Receipt{}, fmt.Errorf("dedup check: %w", err)
	}
	blockedSet := make(map[string]struct{}, len(blocked))
	for _, p := range blocked {
		blockedSet[p] = struct{}{}
	}
	var accepted []string
	for _, p := range platforms {
		if _, ok := blockedSet[p]; !ok {
			accepted = append(accepted, p)
		}
	}
	if len(accepted) == 0 {
		return Receipt{}, fmt.Errorf("%w: all platforms covered within dedup window", ErrDuplicateContent)
	}

	now := g.now()
	notBefore := req.NotBefore
	if notBefore.Before(now) {
		notBefore = now
	}

	id := uuid.NewString()
	note := ""
	if amended {
		note = rev.Reason
	}
	posts := make([]store.Post, 0, len(accepted))
	for _, p := range accepted {
		posts = append(posts, store.Post{
			ID:             id,
			Platform:       p,
			Fingerprint:    fp,
			Body:           body,
			Priority:       req.Priority,
			Status:         store.StatusPending,
			Source:         strings.TrimSpace(req.Source),
			ComplianceNote: note,
			CreatedAt:      now,
			NotBefore:      notBefore,
		})
	}
	if err := g.store.CreatePosts(ctx, posts); err != nil {
		return Receipt{}, fmt.Errorf("persist submission: %w", err)
	}

	for _, p := range accepted {
		g.publish(eventbus.EventPostQueued, eventbus.PostEvent{ID: id, Platform: p, Fingerprint: fp, NotBefore: notBefore})
	}
	g.log.Info("submission accepted",
		logx.String("id", id),
		logx.String("fingerprint", fp),
		logx.Int("platforms", len(accepted)),
		logx.Int("dropped", len(blocked)),
		logx.Bool("amended", amended),
	)

	return Receipt{ID: id, Accepted: accepted, Dropped: blocked, Amended: amended}, nil
}

func (g *Gateway) publish(typ string, data eventbus.PostEvent) {
	if g.bus != nil {
		g.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

func normalizePlatforms(in []string) ([]string, error) {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, p := range in {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, &ValidationError{Reason: "no target platforms"}
	}
	sort.Strings(out)
	return out, nil
}
