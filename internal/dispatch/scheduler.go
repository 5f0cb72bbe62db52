// Package dispatch pulls eligible queue items and publishes them through
// platform adapters, respecting rate limits and priority order.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"postflow/internal/adapters"
	"postflow/internal/eventbus"
	"postflow/internal/ratelimit"
	rtsup "postflow/internal/runtime/supervisor"
	"postflow/internal/store"
	logx "postflow/pkg/logx"
)

// Dispatcher owns the scheduler loop and the executor workers.
type Dispatcher struct {
	cfg     Config
	store   *store.Store
	limiter *ratelimit.Limiter
	reg     *adapters.Registry
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	queue   chan store.Post
	running bool
}

func New(cfg Config, st *store.Store, limiter *ratelimit.Limiter, reg *adapters.Registry, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:     cfg.withDefaults(),
		store:   st,
		limiter: limiter,
		reg:     reg,
		bus:     bus,
		log:     log,
		now:     time.Now,
	}
}

// Recover re-queues rows left in dispatched state by a previous process.
// Must run before Start: the store, not scheduler memory, is the source of
// truth after a crash.
func (d *Dispatcher) Recover(ctx context.Context) error {
	n, err := d.store.ResetDispatched(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		d.log.Warn("recovered in-flight items from previous run", logx.Int64("count", n))
	}
	return nil
}

// Start is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.queue = make(chan store.Post, d.cfg.QueueSize)
	d.sup = rtsup.New(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "dispatch"))),
		// One bad pass should not take the daemon down.
		rtsup.WithCancelOnError(false),
	)
	sup := d.sup
	workers := d.cfg.Workers
	d.mu.Unlock()

	sup.GoRestart("scheduler", d.run)
	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart(workerName(idx), func(c context.Context) error {
			return d.worker(c, idx)
		})
	}

	d.log.Info("dispatcher started",
		logx.Int("workers", workers),
		logx.Duration("poll_interval", d.cfg.PollInterval),
		logx.Int("max_attempts", d.cfg.MaxAttempts),
	)
}

// Stop cancels candidate selection and waits for in-flight publishes to
// finish or hit their timeout. Items claimed but never executed stay
// dispatched and are re-queued by Recover on the next start.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	sup := d.sup
	d.sup = nil
	d.mu.Unlock()

	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		d.log.Warn("dispatcher stop timed out", logx.Err(ctx.Err()))
		return
	}
	d.log.Info("dispatcher stopped")
}

func workerName(i int) string {
	return fmt.Sprintf("worker.%d", i)
}

// run is the scheduler loop: one pass per tick, never sleeping on a blocked
// platform. Deferrals from denied reservations keep a saturated platform
// from being re-polled until its window turns, and deferred platforms are
// excluded from candidate selection so their backlog cannot occupy batch
// slots that other platforms could use.
func (d *Dispatcher) run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	deferred := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.pass(ctx, deferred)
		}
	}
}

func (d *Dispatcher) pass(ctx context.Context, deferred map[string]time.Time) {
	now := d.now()
	var blocked []string
	for platform, until := range deferred {
		if now.Before(until) {
			blocked = append(blocked, platform)
		} else {
			delete(deferred, platform)
		}
	}

	posts, err := d.store.Eligible(ctx, now, d.cfg.BatchSize, blocked)
	if err != nil {
		d.log.Warn("eligible query failed", logx.Err(err))
		return
	}

	for _, p := range posts {
		if ctx.Err() != nil {
			return
		}
		// Denied mid-pass; later candidates on the platform skip the limiter.
		if until, ok := deferred[p.Platform]; ok && now.Before(until) {
			continue
		}

		dec, err := d.limiter.Reserve(ctx, p.Platform)
		if err != nil {
			d.log.Warn("rate reserve failed", logx.String("platform", p.Platform), logx.Err(err))
			continue
		}
		if !dec.Granted {
			deferred[p.Platform] = dec.RetryAt
			d.log.Debug("platform deferred",
				logx.String("platform", p.Platform),
				logx.Time("retry_at", dec.RetryAt),
			)
			continue
		}
		delete(deferred, p.Platform)

		if !d.claim(ctx, p, now) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// claim transitions the candidate to dispatched and hands it to a worker.
// A row lost to a concurrent pass (or a failed update) refunds the slot the
// caller just reserved.
func (d *Dispatcher) claim(ctx context.Context, p store.Post, now time.Time) bool {
	claimed, err := d.store.Claim(ctx, p.ID, p.Platform, now)
	if err != nil {
		d.log.Error("claim failed", logx.String("id", p.ID), logx.String("platform", p.Platform), logx.Err(err))
		d.limiter.Release(ctx, p.Platform)
		return false
	}
	if !claimed {
		d.limiter.Release(ctx, p.Platform)
		return false
	}

	p.Status = store.StatusDispatched
	d.publish(eventbus.EventPostDispatched, eventbus.PostEvent{
		ID: p.ID, Platform: p.Platform, Fingerprint: p.Fingerprint, Attempts: p.Attempts,
	})

	select {
	case d.queue <- p:
		return true
	case <-ctx.Done():
		// Row stays dispatched; Recover picks it up on restart.
		return false
	}
}

func (d *Dispatcher) publish(typ string, data eventbus.PostEvent) {
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
