// Package enforce holds a media element at its target volume. Page code that
// resets the volume (player initialisation, autoplay policies, the player's
// own persisted volume) is answered with a delayed corrective write.
package enforce

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/volkeeper/level"
	"github.com/hazyhaar/volkeeper/loop"
	"github.com/hazyhaar/volkeeper/media"
)

// Slot is the binding slot the guard's subscription occupies.
const Slot = "enforce"

const (
	DefaultTolerance = 0.05
	DefaultDelay     = 100 * time.Millisecond
)

// Guard installs enforcement subscriptions on bindings. It must be used on
// the loop.
type Guard struct {
	sched     loop.Scheduler
	tolerance float64
	delay     time.Duration
	logger    *slog.Logger
	onCorrect func(target level.Level)
}

// Option configures a Guard.
type Option func(*Guard)

// WithTolerance sets the drift below which no correction happens.
func WithTolerance(t float64) Option { return func(g *Guard) { g.tolerance = t } }

// WithDelay sets how long after a drift the correction is written.
func WithDelay(d time.Duration) Option { return func(g *Guard) { g.delay = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(g *Guard) { g.logger = l } }

// OnCorrect sets a hook called after each corrective write.
func OnCorrect(fn func(target level.Level)) Option { return func(g *Guard) { g.onCorrect = fn } }

// New returns a Guard.
func New(sched loop.Scheduler, opts ...Option) *Guard {
	g := &Guard{
		sched:     sched,
		tolerance: DefaultTolerance,
		delay:     DefaultDelay,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	if g.tolerance < 0 {
		g.tolerance = DefaultTolerance
	}
	if g.delay < 0 {
		g.delay = DefaultDelay
	}
	return g
}

type subscription struct {
	target   level.Level
	timer    loop.Timer
	released bool
}

func (s *subscription) stop() {
	s.released = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Install enforces target on b. Any subscription previously installed on b
// is released first, so a binding never carries two.
func (g *Guard) Install(ctx context.Context, b *media.Binding, target level.Level) {
	b.Release(Slot)
	if !b.Live() {
		return
	}
	sub := &subscription{target: target.Clamped()}
	unsubscribe := b.OnVolumeChange(func() { g.check(ctx, b, sub) })
	b.Hold(Slot, func() {
		unsubscribe()
		sub.stop()
	})
	g.logger.Debug("enforce: installed", "media", b.Media().ID(), "level", sub.target.Float())
}

// Uninstall releases the subscription on b, if any.
func (g *Guard) Uninstall(b *media.Binding) bool {
	if b == nil {
		return false
	}
	return b.Release(Slot)
}

// Installed reports whether b carries an enforcement subscription.
func (g *Guard) Installed(b *media.Binding) bool {
	return b.Live() && b.Holds(Slot)
}

func (g *Guard) check(ctx context.Context, b *media.Binding, sub *subscription) {
	if sub.released || !b.Live() {
		return
	}
	live, err := b.Volume(ctx)
	if err != nil {
		g.logger.Warn("enforce: read volume", "media", b.Media().ID(), "error", err)
		return
	}
	if !live.Differs(sub.target, g.tolerance) {
		return
	}
	if sub.timer != nil {
		sub.timer.Stop()
	}
	sub.timer = g.sched.AfterFunc(g.delay, func() { g.correct(ctx, b, sub) })
}

func (g *Guard) correct(ctx context.Context, b *media.Binding, sub *subscription) {
	sub.timer = nil
	if sub.released || !b.Live() {
		return
	}
	live, err := b.Volume(ctx)
	if err == nil && !live.Differs(sub.target, g.tolerance) {
		return
	}
	if err := b.SetVolume(ctx, sub.target); err != nil {
		g.logger.Warn("enforce: correction failed", "media", b.Media().ID(), "error", err)
		return
	}
	g.logger.Debug("enforce: corrected", "media", b.Media().ID(), "from", live.Float(), "level", sub.target.Float())
	if g.onCorrect != nil {
		g.onCorrect(sub.target)
	}
}
