// Package navigation detects in-page transitions: the page path changing
// without a document reload, as single-page video sites do when the viewer
// picks the next video.
package navigation

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/volkeeper/dom"
	"github.com/hazyhaar/volkeeper/loop"
)

// DefaultDebounce is how long the path must stay put before a transition is
// reported.
const DefaultDebounce = time.Second

// Transition is a reported path change.
type Transition struct {
	From string
	To   string
	URL  string
}

// Watcher compares the page path on every mutation batch. It must be used on
// the loop.
type Watcher struct {
	doc      dom.Document
	sched    loop.Scheduler
	debounce time.Duration
	logger   *slog.Logger

	handlers  []func(Transition)
	last      string
	from      string
	timer     loop.Timer
	unobserve func()
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the settle delay. Default: DefaultDebounce.
func WithDebounce(d time.Duration) Option { return func(w *Watcher) { w.debounce = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(w *Watcher) { w.logger = l } }

// New returns a Watcher over doc.
func New(doc dom.Document, sched loop.Scheduler, opts ...Option) *Watcher {
	w := &Watcher{doc: doc, sched: sched, debounce: DefaultDebounce, logger: slog.Default()}
	for _, o := range opts {
		o(w)
	}
	if w.debounce < 0 {
		w.debounce = DefaultDebounce
	}
	return w
}

// OnNavigate registers fn for debounced transitions.
func (w *Watcher) OnNavigate(fn func(Transition)) {
	w.handlers = append(w.handlers, fn)
}

// Path returns the last observed path.
func (w *Watcher) Path() string { return w.last }

// Start records the current path and begins observing mutations.
func (w *Watcher) Start(ctx context.Context) error {
	loc, err := w.doc.Location(ctx)
	if err != nil {
		return err
	}
	w.last = dom.PathOf(loc)
	w.unobserve = w.doc.OnMutation(func() {
		w.sched.Post(func() { w.Check(ctx) })
	})
	w.logger.Debug("navigation: watching", "path", w.last)
	return nil
}

// Stop stops observing and drops any pending transition.
func (w *Watcher) Stop() {
	if w.unobserve != nil {
		w.unobserve()
		w.unobserve = nil
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Check compares the current path with the last one and, on change,
// schedules the transition after the debounce, superseding a pending one.
// It reports whether the path changed.
func (w *Watcher) Check(ctx context.Context) bool {
	loc, err := w.doc.Location(ctx)
	if err != nil {
		w.logger.Warn("navigation: read location", "error", err)
		return false
	}
	path := dom.PathOf(loc)
	if path == w.last {
		return false
	}

	if w.timer == nil {
		w.from = w.last
	} else {
		w.timer.Stop()
	}
	w.last = path
	tr := Transition{From: w.from, To: path, URL: loc}
	w.logger.Debug("navigation: path changed", "from", tr.From, "to", tr.To)

	var timer loop.Timer
	timer = w.sched.AfterFunc(w.debounce, func() {
		if w.timer != timer {
			return
		}
		w.timer = nil
		w.logger.Info("navigation: transition", "from", tr.From, "to", tr.To)
		for _, fn := range w.handlers {
			fn(tr)
		}
	})
	w.timer = timer
	return true
}
