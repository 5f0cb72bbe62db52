package dispatch

import (
	"context"
	"math/rand"
	"time"

	"postflow/internal/adapters"
	"postflow/internal/eventbus"
	"postflow/internal/store"
	logx "postflow/pkg/logx"
)

// handle classifies one dispatch outcome and applies the state transition.
//
// Quota policy: a transient failure keeps its reservation (the call
// happened); a permanent rejection refunds it when rate.refund_permanent is
// set, since no accepted traffic reached the platform.
func (d *Dispatcher) handle(ctx context.Context, p store.Post, externalID string, err error, dur time.Duration, rng *rand.Rand) {
	now := d.now()

	if err == nil {
		if serr := d.store.MarkPosted(ctx, p, externalID, now); serr != nil {
			d.logOutcome(logx.LevelError, "posted but state update failed", p, logx.Err(serr))
			return
		}
		d.publish(eventbus.EventPostPosted, eventbus.PostEvent{
			ID: p.ID, Platform: p.Platform, Fingerprint: p.Fingerprint,
			Attempts: p.Attempts + 1, Duration: dur,
		})
		d.logOutcome(logx.LevelInfo, "posted", p,
			logx.String("external_id", externalID), logx.Duration("dur", dur))
		return
	}

	attempts := p.Attempts + 1
	msg := err.Error()

	if adapters.IsPermanent(err) {
		d.deadLetter(ctx, p, attempts, msg, now, dur)
		if d.limiter.RefundPermanent() {
			d.limiter.Release(ctx, p.Platform)
		}
		return
	}

	// Transient (explicitly marked, or unclassified: content is never
	// silently dropped on an unknown failure).
	if attempts >= d.cfg.MaxAttempts {
		d.deadLetter(ctx, p, attempts, msg, now, dur)
		return
	}

	delay := d.backoff(attempts, err, rng)
	notBefore := now.Add(delay)
	if serr := d.store.MarkRetry(ctx, p.ID, p.Platform, attempts, notBefore, msg); serr != nil {
		d.logOutcome(logx.LevelError, "retry state update failed", p, logx.Err(serr))
		return
	}
	d.publish(eventbus.EventPostRetry, eventbus.PostEvent{
		ID: p.ID, Platform: p.Platform, Fingerprint: p.Fingerprint,
		Attempts: attempts, NotBefore: notBefore, Duration: dur, Error: msg,
	})
	d.logOutcome(logx.LevelWarn, "publish failed; retry scheduled", p,
		logx.Int("attempts", attempts),
		logx.Duration("backoff", delay),
		logx.String("err", msg),
	)
}

func (d *Dispatcher) deadLetter(ctx context.Context, p store.Post, attempts int, msg string, now time.Time, dur time.Duration) {
	if serr := d.store.MarkDeadLettered(ctx, p, attempts, msg, now); serr != nil {
		d.logOutcome(logx.LevelError, "dead-letter state update failed", p, logx.Err(serr))
		return
	}
	d.publish(eventbus.EventPostDeadLettered, eventbus.PostEvent{
		ID: p.ID, Platform: p.Platform, Fingerprint: p.Fingerprint,
		Attempts: attempts, Duration: dur, Error: msg,
	})
	// Error level: dead-lettered items need manual review, they are never
	// silently dropped.
	d.logOutcome(logx.LevelError, "dead-lettered", p,
		logx.Int("attempts", attempts), logx.String("err", msg))
}

// backoff computes the retry delay: base * 2^(attempt-1) with jitter, capped
// at BackoffMax. An explicit retry hint from the platform wins over the
// exponential schedule, still jittered to avoid thundering herds.
func (d *Dispatcher) backoff(attempt int, err error, rng *rand.Rand) time.Duration {
	delay := d.cfg.BackoffBase
	if hint, ok := adapters.RetryHint(err); ok {
		delay = hint
	} else {
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay >= d.cfg.BackoffMax {
				break
			}
		}
	}
	if delay > d.cfg.BackoffMax {
		delay = d.cfg.BackoffMax
	}
	if j := d.cfg.RetryJitter; j > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		delay = time.Duration(float64(delay) * (1 + r))
	}
	if delay < 0 {
		delay = 0
	}
	if delay > d.cfg.BackoffMax {
		delay = d.cfg.BackoffMax
	}
	return delay
}
