package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"postflow/internal/adapters"
	"postflow/internal/store"
	logx "postflow/pkg/logx"
)

func (d *Dispatcher) worker(ctx context.Context, idx int) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-d.queue:
			if !ok {
				return context.Canceled
			}
			d.execute(ctx, p, rng)
		}
	}
}

// execute brackets the external adapter call: record the attempt time,
// invoke with a bounded timeout, pass the classified outcome on. Adapter
// payloads are never interpreted here.
func (d *Dispatcher) execute(ctx context.Context, p store.Post, rng *rand.Rand) {
	started := d.now()

	var externalID string
	var err error

	pub, ok := d.reg.Get(p.Platform)
	switch {
	case !ok:
		err = adapters.Permanent(fmt.Errorf("no adapter registered for platform %q", p.Platform))
	default:
		if rerr := pub.Ready(); rerr != nil {
			err = adapters.Permanent(fmt.Errorf("adapter unavailable: %w", rerr))
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.AdapterTimeout)
		externalID, err = pub.Publish(callCtx, p.Body)
		cancel()
		if err != nil && errors.Is(err, context.DeadlineExceeded) && !adapters.IsPermanent(err) && !adapters.IsTransient(err) {
			err = adapters.Transient(err)
		}
	}

	// Outcomes are recorded even when shutdown races the publish: the call
	// already happened, losing the result would double-post on restart.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	d.handle(recCtx, p, externalID, err, d.now().Sub(started), rng)
}

func (d *Dispatcher) logOutcome(level logx.Level, msg string, p store.Post, fields ...logx.Field) {
	base := []logx.Field{
		logx.String("id", p.ID),
		logx.String("platform", p.Platform),
		logx.String("fingerprint", p.Fingerprint),
	}
	switch level {
	case logx.LevelError:
		d.log.Error(msg, append(base, fields...)...)
	case logx.LevelWarn:
		d.log.Warn(msg, append(base, fields...)...)
	default:
		d.log.Info(msg, append(base, fields...)...)
	}
}
