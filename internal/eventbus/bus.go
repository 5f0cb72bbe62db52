// Package eventbus decouples the dispatch pipeline from its observers with a
// non-blocking in-memory fanout.
package eventbus

import (
	"sync"
	"time"
)

// Event types published by the dispatch pipeline.
const (
	EventPostQueued       = "post.queued"
	EventPostDispatched   = "post.dispatched"
	EventPostPosted       = "post.posted"
	EventPostRetry        = "post.retry"
	EventPostDeadLettered = "post.deadlettered"
	EventDigest           = "queue.digest"
)

// PostEvent is the Data payload for post.* events.
type PostEvent struct {
	ID          string        `json:"id"`
	Platform    string        `json:"platform"`
	Fingerprint string        `json:"fingerprint"`
	Attempts    int           `json:"attempts"`
	NotBefore   time.Time     `json:"not_before,omitzero"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Event is one bus message.
//
// Publish never blocks: a subscriber whose buffer is full misses the event.
// Observers must tolerate gaps; the store stays the source of truth.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &fanout{}
}

type subscriber struct {
	ch     chan Event
	closed bool
}

type fanout struct {
	mu   sync.Mutex
	subs []*subscriber
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.closed {
			continue
		}
		select {
		case s.ch <- e:
		default:
			// Full buffer: drop for this subscriber.
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			s.closed = true
			for i, cur := range b.subs {
				if cur == s {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}
