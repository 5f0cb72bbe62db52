package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "postflow/pkg/logx"
)

const (
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 10 * time.Second
)

// Supervisor runs named goroutines under one shared context, recovers their
// panics, and remembers the first error any of them returned. With
// cancel-on-error the first failure also tears the context down.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg    sync.WaitGroup
	state struct {
		// Counters are operational signals only, not a synchronization
		// primitive.
		started  atomic.Uint64
		active   atomic.Int64
		restarts atomic.Uint64

		errOnce  sync.Once
		firstErr atomic.Value // error
	}
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first non-nil
// error from any goroutine.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel tears down the context; it does not wait for goroutines.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error recorded by any goroutine, nil if none.
func (s *Supervisor) Err() error {
	err, _ := s.state.firstErr.Load().(error)
	return err
}

// Counters is a best-effort snapshot of goroutine accounting.
type Counters struct {
	Active   int64  `json:"active"`
	Started  uint64 `json:"started"`
	Restarts uint64 `json:"restarts"`
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:   s.state.active.Load(),
		Started:  s.state.started.Load(),
		Restarts: s.state.restarts.Load(),
	}
}

// fail records err as the first error and, when configured, cancels the
// shared context. context.Canceled returns are clean exits and ignored.
func (s *Supervisor) fail(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.state.errOnce.Do(func() { s.state.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// run invokes fn once with panic recovery; a panic comes back as an error.
func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", name, r)
			if !s.log.IsZero() {
				s.log.Error("goroutine panicked",
					logx.String("name", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}
	}()
	return fn(s.ctx)
}

// spawn does the bookkeeping shared by Go and GoRestart and runs body in a
// new goroutine.
func (s *Supervisor) spawn(body func()) {
	s.state.started.Add(1)
	s.state.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.state.active.Add(-1)
		body()
	}()
}

// Go runs fn once under the supervisor context.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		if !s.log.IsZero() {
			s.log.Debug("goroutine started", logx.String("name", name))
		}
		if err := s.run(name, fn); err != nil {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		if !s.log.IsZero() {
			s.log.Debug("goroutine stopped", logx.String("name", name))
		}
	})
}

// GoRestart runs fn and restarts it with exponential backoff after a panic
// or unexpected error. Returning nil or context.Canceled ends the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		backoff := restartBackoffBase
		for {
			err := s.run(name, fn)
			if err == nil || errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
				return
			}
			s.state.restarts.Add(1)
			if !s.log.IsZero() {
				s.log.Warn("goroutine restarting",
					logx.String("name", name),
					logx.Err(err),
					logx.Duration("backoff", backoff))
			}
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
	})
}

// Wait blocks until every goroutine has exited or ctx is done, and returns
// the first recorded error.
func (s *Supervisor) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
