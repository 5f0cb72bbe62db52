// Package alert watches the event bus and surfaces failures that need a
// human: dead-lettered posts and the daily queue digest.
package alert

import (
	"context"
	"fmt"
	"time"

	"postflow/internal/eventbus"
	logx "postflow/pkg/logx"
)

// Notifier delivers an alert message out of band, typically to an operator
// chat channel. A nil Notifier means log-only alerting.
type Notifier interface {
	Publish(ctx context.Context, body string) (string, error)
}

type Watcher struct {
	bus      eventbus.Bus
	notifier Notifier
	log      logx.Logger
	timeout  time.Duration
}

func NewWatcher(bus eventbus.Bus, notifier Notifier, log logx.Logger) *Watcher {
	return &Watcher{bus: bus, notifier: notifier, log: log, timeout: 15 * time.Second}
}

// Run consumes events until ctx is done. Intended to be owned by the
// supervisor so a panic in the notifier restarts the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	ch, unsub := w.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.EventPostDeadLettered:
		pe, ok := ev.Data.(eventbus.PostEvent)
		if !ok {
			return
		}
		w.notify(ctx, fmt.Sprintf(
			"⚠️ post dead-lettered\nplatform: %s\nid: %s\nattempts: %d\nlast error: %s",
			pe.Platform, pe.ID, pe.Attempts, pe.Error))
	case eventbus.EventDigest:
		body, ok := ev.Data.(string)
		if !ok {
			return
		}
		w.notify(ctx, body)
	}
}

func (w *Watcher) notify(ctx context.Context, body string) {
	if w.notifier == nil {
		w.log.Warn("alert (no notifier configured)", logx.String("body", body))
		return
	}
	nctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if _, err := w.notifier.Publish(nctx, body); err != nil {
		w.log.Warn("alert delivery failed", logx.Err(err))
	}
}
