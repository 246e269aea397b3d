// Package loop provides the single logical thread every volkeeper component
// runs on. Mutation batches, timers, volume notifications and control
// requests are all funnelled through one goroutine, so component state needs
// no locking and never observes a callback mid-flight.
//
// Environment callbacks arrive on foreign goroutines (rod's event readers)
// and must be handed over with Post. Deferred work is expressed as Timers
// whose Stop guarantees the callback will not run, even if the timer already
// fired and its callback sits in the queue.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Do once the loop has stopped running.
var ErrClosed = errors.New("loop: closed")

// Timer is a cancelable deferred callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the callback was still
	// pending. After Stop returns the callback never runs.
	Stop() bool
}

// Scheduler is what components depend on. Loop is the production
// implementation, Manual the deterministic one used in tests.
type Scheduler interface {
	// Post queues fn to run on the loop. Safe from any goroutine.
	Post(fn func())
	// AfterFunc runs fn on the loop after d.
	AfterFunc(d time.Duration, fn func()) Timer
	// Do runs fn on the loop and waits for it. Must not be called from a
	// loop callback.
	Do(ctx context.Context, fn func()) error
}

// Loop is a goroutine draining a queue of callbacks.
type Loop struct {
	queue  chan func()
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used to report recovered panics.
func WithLogger(l *slog.Logger) Option { return func(lp *Loop) { lp.logger = l } }

// WithQueueSize sets the callback queue capacity. Default: 1024.
func WithQueueSize(n int) Option {
	return func(lp *Loop) {
		if n > 0 {
			lp.queue = make(chan func(), n)
		}
	}
}

// New creates a Loop. Call Run to start draining it.
func New(opts ...Option) *Loop {
	l := &Loop{
		queue:  make(chan func(), 1024),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run drains the queue until ctx is cancelled. Callbacks run one at a time.
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.queue:
			l.invoke(fn)
		}
	}
}

// invoke runs one callback. A panic is logged and swallowed so a faulty
// callback cannot stop the loop.
func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop: callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// Post queues fn. It blocks while the queue is full and drops fn once the
// loop has stopped.
func (l *Loop) Post(fn func()) {
	select {
	case l.queue <- fn:
	case <-l.done:
	}
}

// AfterFunc implements Scheduler.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.Swap(true) {
				return
			}
			fn()
		})
	})
	return t
}

// Do implements Scheduler.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case l.queue <- wrapped:
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

type loopTimer struct {
	t       *time.Timer
	stopped atomic.Bool
}

func (t *loopTimer) Stop() bool {
	t.t.Stop()
	return !t.stopped.Swap(true)
}
