// Package media finds the page's active media element and owns the Binding
// to it.
package media

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/volkeeper/dom"
	"github.com/hazyhaar/volkeeper/loop"
)

// DefaultTimeout bounds how long Await watches for a media element.
const DefaultTimeout = 5 * time.Second

// ErrBindingTimeout is logged when no media element appeared in time.
var ErrBindingTimeout = errors.New("media: binding timeout")

const connectivitySlot = "connectivity"

// Binder binds the document's media element. All methods must be called on
// the loop.
type Binder struct {
	doc    dom.Document
	sched  loop.Scheduler
	logger *slog.Logger

	gen     uint64
	current *Binding
	pending *await
	onLost  func(*Binding)
}

type await struct {
	ctx       context.Context
	fn        func(*Binding)
	unobserve func()
	timer     loop.Timer
}

// Option configures a Binder.
type Option func(*Binder)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Binder) { b.logger = l } }

// New returns a Binder over doc.
func New(doc dom.Document, sched loop.Scheduler, opts ...Option) *Binder {
	b := &Binder{doc: doc, sched: sched, logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// OnLost sets the hook called after a bound element left the document and
// its binding was released.
func (b *Binder) OnLost(fn func(*Binding)) { b.onLost = fn }

// Current returns the live binding, or nil.
func (b *Binder) Current() *Binding {
	if b.current.Live() {
		return b.current
	}
	return nil
}

// Pending reports whether an Await is still watching.
func (b *Binder) Pending() bool { return b.pending != nil }

// Await calls fn with a binding to the media element. If the element is
// already present fn runs before Await returns. Otherwise document mutations
// are watched until it appears, or until timeout elapses and fn gets nil.
// Await supersedes any pending Await, whose fn is then never called.
func (b *Binder) Await(ctx context.Context, timeout time.Duration, fn func(*Binding)) {
	b.cancelPending()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if m := b.query(ctx); m != nil {
		fn(b.bind(ctx, m))
		return
	}

	a := &await{ctx: ctx, fn: fn}
	b.pending = a
	a.unobserve = b.doc.OnMutation(func() {
		b.sched.Post(func() { b.retry(a) })
	})
	a.timer = b.sched.AfterFunc(timeout, func() {
		if b.pending != a {
			return
		}
		b.cancelPending()
		b.logger.Warn("media: no media element", "timeout", timeout, "error", ErrBindingTimeout)
		a.fn(nil)
	})
}

// Release drops the current binding and every subscription it holds.
func (b *Binder) Release() {
	if b.current == nil {
		return
	}
	cur := b.current
	b.current = nil
	cur.release()
}

// Close cancels any pending Await and releases the binding.
func (b *Binder) Close() {
	b.cancelPending()
	b.Release()
}

func (b *Binder) retry(a *await) {
	if b.pending != a {
		return
	}
	m := b.query(a.ctx)
	if m == nil {
		return
	}
	b.cancelPending()
	a.fn(b.bind(a.ctx, m))
}

func (b *Binder) query(ctx context.Context) dom.Media {
	m, err := b.doc.QueryMedia(ctx)
	if err != nil {
		if !errors.Is(err, dom.ErrNoMedia) {
			b.logger.Warn("media: query failed", "error", err)
		}
		return nil
	}
	return m
}

// bind returns a binding to m. A live binding to the same element is reused
// with its subscriptions; any other binding is released first.
func (b *Binder) bind(ctx context.Context, m dom.Media) *Binding {
	if cur := b.Current(); cur != nil && cur.media.ID() == m.ID() {
		return cur
	}
	b.Release()

	b.gen++
	nb := newBinding(m, b.gen, b.sched)
	b.current = nb
	nb.Hold(connectivitySlot, b.doc.OnMutation(func() {
		b.sched.Post(func() { b.checkConnected(ctx, nb) })
	}))
	b.logger.Debug("media: bound", "media", m.ID(), "generation", nb.gen)
	return nb
}

func (b *Binder) checkConnected(ctx context.Context, nb *Binding) {
	if b.current != nb || !nb.live {
		return
	}
	if nb.media.Connected(ctx) {
		return
	}
	b.logger.Info("media: bound element removed", "media", nb.media.ID(), "generation", nb.gen)
	b.Release()
	if b.onLost != nil {
		b.onLost(nb)
	}
}

func (b *Binder) cancelPending() {
	a := b.pending
	if a == nil {
		return
	}
	b.pending = nil
	a.unobserve()
	a.timer.Stop()
}
