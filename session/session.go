// Package session runs the resolution cycle for one page: resolve the owner
// identity, bind the media element, apply and guard the stored volume, and
// start over when the page navigates in place.
//
// Controller state lives on the loop. The exported methods are safe to call
// from any goroutine except a loop callback.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/volkeeper/dom"
	"github.com/hazyhaar/volkeeper/enforce"
	"github.com/hazyhaar/volkeeper/eventlog"
	"github.com/hazyhaar/volkeeper/identity"
	"github.com/hazyhaar/volkeeper/level"
	"github.com/hazyhaar/volkeeper/loop"
	"github.com/hazyhaar/volkeeper/media"
	"github.com/hazyhaar/volkeeper/navigation"
	"github.com/hazyhaar/volkeeper/store"
)

// ErrNoIdentity is returned by save and reset while no identity is held.
var ErrNoIdentity = errors.New("session: no identity")

// ErrNotBound is returned by PreviewVolume while no media element is bound.
var ErrNotBound = errors.New("session: no media element")

// DefaultStartupDelay leaves the page time to render before the first
// resolution.
const DefaultStartupDelay = 1500 * time.Millisecond

const statusSlot = "status"

// Recorder receives journal events. *eventlog.Logger implements it.
type Recorder interface {
	Record(ctx context.Context, e eventlog.Event)
}

// Config tunes a Controller. Zero durations take the package defaults.
type Config struct {
	StartupDelay       time.Duration
	NavigationDebounce time.Duration
	CorrectionDelay    time.Duration
	BindingTimeout     time.Duration
	Tolerance          float64

	Logger *slog.Logger
	Events Recorder
}

func (c *Config) applyDefaults() {
	if c.StartupDelay <= 0 {
		c.StartupDelay = DefaultStartupDelay
	}
	if c.NavigationDebounce <= 0 {
		c.NavigationDebounce = navigation.DefaultDebounce
	}
	if c.CorrectionDelay <= 0 {
		c.CorrectionDelay = enforce.DefaultDelay
	}
	if c.BindingTimeout <= 0 {
		c.BindingTimeout = media.DefaultTimeout
	}
	if c.Tolerance <= 0 {
		c.Tolerance = enforce.DefaultTolerance
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Controller is the session state machine.
type Controller struct {
	doc      dom.Document
	sched    loop.Scheduler
	resolver *identity.Resolver
	store    *store.Store
	binder   *media.Binder
	guard    *enforce.Guard
	nav      *navigation.Watcher
	cfg      Config
	logger   *slog.Logger

	// Loop-owned.
	ctx        context.Context
	state      State
	ident      identity.Result
	url        string
	binding    *media.Binding
	gen        uint64
	startTimer loop.Timer
	started    bool

	subMu   sync.Mutex
	subs    map[int]func(Status)
	nextSub int
}

// New wires a Controller over doc. Nothing happens until Start.
func New(doc dom.Document, sched loop.Scheduler, resolver *identity.Resolver, st *store.Store, cfg Config) *Controller {
	cfg.applyDefaults()
	c := &Controller{
		doc:      doc,
		sched:    sched,
		resolver: resolver,
		store:    st,
		cfg:      cfg,
		logger:   cfg.Logger,
		ctx:      context.Background(),
		subs:     make(map[int]func(Status)),
	}
	c.binder = media.New(doc, sched, media.WithLogger(cfg.Logger))
	c.guard = enforce.New(sched,
		enforce.WithTolerance(cfg.Tolerance),
		enforce.WithDelay(cfg.CorrectionDelay),
		enforce.WithLogger(cfg.Logger),
		enforce.OnCorrect(func(target level.Level) {
			c.logger.Debug("session: volume corrected", "identity", string(c.ident.ID), "level", target.Float())
		}),
	)
	c.nav = navigation.New(doc, sched,
		navigation.WithDebounce(cfg.NavigationDebounce),
		navigation.WithLogger(cfg.Logger),
	)
	c.binder.OnLost(c.onLost)
	c.nav.OnNavigate(c.onNavigate)
	return c
}

// Start begins watching the page and schedules the first resolution after
// the startup delay.
func (c *Controller) Start(ctx context.Context) error {
	var err error
	if doErr := c.sched.Do(ctx, func() {
		if c.started {
			return
		}
		c.ctx = ctx
		if err = c.nav.Start(ctx); err != nil {
			return
		}
		c.started = true
		c.startTimer = c.sched.AfterFunc(c.cfg.StartupDelay, func() {
			c.startTimer = nil
			c.resolve("startup")
		})
		c.logger.Info("session: started", "startup_delay", c.cfg.StartupDelay)
	}); doErr != nil {
		return doErr
	}
	return err
}

// Stop releases the binding and stops watching. The store is left open.
func (c *Controller) Stop(ctx context.Context) error {
	return c.sched.Do(ctx, func() {
		if c.startTimer != nil {
			c.startTimer.Stop()
			c.startTimer = nil
		}
		c.gen++
		c.nav.Stop()
		c.binder.Close()
		c.binding = nil
		c.started = false
		c.setState(Idle)
	})
}

// Refresh forces a new resolution, as a navigation would.
func (c *Controller) Refresh(ctx context.Context) error {
	return c.sched.Do(ctx, func() { c.resolve("refresh") })
}

// CurrentIdentity returns the held resolution. OK() is false when none.
func (c *Controller) CurrentIdentity(ctx context.Context) (identity.Result, error) {
	var res identity.Result
	err := c.sched.Do(ctx, func() { res = c.ident })
	return res, err
}

// CurrentVolume returns the live volume when bound, else the stored level
// for the held identity, else unity.
func (c *Controller) CurrentVolume(ctx context.Context) (level.Level, error) {
	var lvl level.Level
	err := c.sched.Do(ctx, func() { lvl = c.currentVolume() })
	return lvl, err
}

// Status returns a consistent view of the controller.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.sched.Do(ctx, func() { st = c.status() })
	return st, err
}

// Subscribe registers fn for every identity, state or volume change. fn runs
// on the loop and must not block or call back into the Controller.
func (c *Controller) Subscribe(fn func(Status)) (cancel func()) {
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// SaveVolume stores lvl for the held identity and applies it. Without a
// binding the element is awaited first. It returns the stored, clamped level.
func (c *Controller) SaveVolume(ctx context.Context, lvl level.Level) (level.Level, error) {
	var (
		stored level.Level
		err    error
	)
	if doErr := c.sched.Do(ctx, func() {
		if !c.ident.OK() {
			err = ErrNoIdentity
			return
		}
		id := string(c.ident.ID)
		stored = c.store.Set(id, lvl)
		c.logger.Info("session: volume saved", "identity", id, "level", stored.Float())
		c.record(eventlog.Event{Type: eventlog.VolumeSaved, Identity: id, Level: eventlog.LevelOf(stored.Float()), Success: true})

		if c.binding.Live() {
			c.apply(stored)
			return
		}
		gen := c.gen
		c.setState(Resolving)
		c.binder.Await(c.ctx, c.cfg.BindingTimeout, func(b *media.Binding) { c.onBound(gen, b) })
	}); doErr != nil {
		return 0, doErr
	}
	return stored, err
}

// ResetVolume stops enforcement, returns the element to unity and forgets
// the held identity's stored level. Without a binding the element is awaited
// and neutralized once it appears.
func (c *Controller) ResetVolume(ctx context.Context) error {
	var err error
	if doErr := c.sched.Do(ctx, func() {
		if !c.ident.OK() {
			err = ErrNoIdentity
			return
		}
		id := string(c.ident.ID)
		c.store.Delete(id)
		c.logger.Info("session: volume reset", "identity", id)
		c.record(eventlog.Event{Type: eventlog.VolumeReset, Identity: id, Level: eventlog.LevelOf(level.Unity.Float()), Success: true})

		if c.binding.Live() {
			c.neutralize()
			c.setState(Idle)
			c.notify()
			return
		}
		gen := c.gen
		c.setState(Resolving)
		c.notify()
		c.binder.Await(c.ctx, c.cfg.BindingTimeout, func(b *media.Binding) {
			c.onBound(gen, b)
			if gen != c.gen || !c.binding.Live() {
				return
			}
			c.neutralize()
			c.notify()
		})
	}); doErr != nil {
		return doErr
	}
	return err
}

// PreviewVolume writes lvl to the bound element without storing it. A guard
// already in place holds the previewed level until the next save, reset or
// resolution.
func (c *Controller) PreviewVolume(ctx context.Context, lvl level.Level) (level.Level, error) {
	lvl = lvl.Clamped()
	var err error
	if doErr := c.sched.Do(ctx, func() {
		if !c.binding.Live() {
			err = ErrNotBound
			return
		}
		if c.guard.Installed(c.binding) {
			c.guard.Install(c.ctx, c.binding, lvl)
		}
		if serr := c.binding.SetVolume(c.ctx, lvl); serr != nil {
			err = serr
			return
		}
		c.logger.Debug("session: volume preview", "identity", string(c.ident.ID), "level", lvl.Float())
		c.notify()
	}); doErr != nil {
		return 0, doErr
	}
	return lvl, err
}

// neutralize drops enforcement and writes unity to the bound element.
func (c *Controller) neutralize() {
	c.guard.Uninstall(c.binding)
	if err := c.binding.SetVolume(c.ctx, level.Unity); err != nil {
		c.logger.Warn("session: reset volume", "identity", string(c.ident.ID), "error", err)
	}
}

// resolve starts a fresh cycle. The previous binding and its enforcement are
// released before the new identity is looked at.
func (c *Controller) resolve(reason string) {
	c.gen++
	gen := c.gen
	c.binder.Close()
	c.binding = nil
	c.setState(Resolving)

	snap, err := c.doc.Snapshot(c.ctx)
	if err != nil {
		c.logger.Warn("session: snapshot failed", "reason", reason, "error", err)
		c.ident = identity.Result{}
		c.setState(Idle)
		c.notify()
		return
	}
	c.url = snap.URL
	res := c.resolver.Resolve(snap)
	if !res.OK() {
		c.ident = identity.Result{}
		c.logger.Info("session: no identity", "reason", reason, "url", snap.URL)
		c.record(eventlog.Event{Type: eventlog.IdentityUnresolved, URL: snap.URL, Success: false})
		c.setState(Idle)
		c.notify()
		return
	}

	c.ident = res
	c.logger.Info("session: identity resolved",
		"reason", reason, "identity", string(res.ID), "strategy", res.Strategy, "url", snap.URL)
	c.record(eventlog.Event{Type: eventlog.IdentityResolved, Identity: string(res.ID), Strategy: res.Strategy, URL: snap.URL, Success: true})
	c.notify()

	c.binder.Await(c.ctx, c.cfg.BindingTimeout, func(b *media.Binding) { c.onBound(gen, b) })
}

func (c *Controller) onBound(gen uint64, b *media.Binding) {
	if gen != c.gen {
		return
	}
	id := string(c.ident.ID)
	if b == nil {
		c.logger.Warn("session: binding timed out", "identity", id, "error", media.ErrBindingTimeout)
		c.record(eventlog.Event{Type: eventlog.BindingTimeout, Identity: id, URL: c.url, Success: false})
		c.setState(Idle)
		c.notify()
		return
	}

	c.binding = b
	b.Hold(statusSlot, b.OnVolumeChange(c.notify))
	c.setState(Bound)

	stored, ok := c.store.Get(id)
	if !ok {
		c.logger.Debug("session: no stored level", "identity", id)
		c.setState(Idle)
		c.notify()
		return
	}
	c.apply(stored)
}

// apply writes lvl to the bound element and guards it.
func (c *Controller) apply(lvl level.Level) {
	id := string(c.ident.ID)
	if err := c.binding.SetVolume(c.ctx, lvl); err != nil {
		c.logger.Warn("session: apply volume", "identity", id, "level", lvl.Float(), "error", err)
	}
	c.guard.Install(c.ctx, c.binding, lvl)
	c.setState(Enforcing)
	c.logger.Info("session: volume applied", "identity", id, "level", lvl.Float())
	c.record(eventlog.Event{Type: eventlog.VolumeApplied, Identity: id, Level: eventlog.LevelOf(lvl.Float()), URL: c.url, Success: true})
	c.notify()
}

func (c *Controller) onNavigate(tr navigation.Transition) {
	if c.startTimer != nil {
		c.startTimer.Stop()
		c.startTimer = nil
	}
	c.resolve("navigation")
}

func (c *Controller) onLost(b *media.Binding) {
	if b != c.binding {
		return
	}
	c.binding = nil
	if !c.ident.OK() {
		c.setState(Idle)
		c.notify()
		return
	}
	c.logger.Info("session: media element lost, rebinding", "identity", string(c.ident.ID))
	gen := c.gen
	c.setState(Resolving)
	c.notify()
	c.binder.Await(c.ctx, c.cfg.BindingTimeout, func(nb *media.Binding) { c.onBound(gen, nb) })
}

func (c *Controller) currentVolume() level.Level {
	if c.binding.Live() {
		if v, err := c.binding.Volume(c.ctx); err == nil {
			return v
		}
	}
	if c.ident.OK() {
		if v, ok := c.store.Get(string(c.ident.ID)); ok {
			return v
		}
	}
	return level.Unity
}

func (c *Controller) status() Status {
	st := Status{
		State:    c.state,
		Identity: string(c.ident.ID),
		Name:     c.ident.Name,
		Strategy: c.ident.Strategy,
		Volume:   c.currentVolume().Float(),
		Bound:    c.binding.Live(),
		Path:     c.nav.Path(),
	}
	if c.ident.OK() {
		_, st.Stored = c.store.Get(st.Identity)
	}
	return st
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("session: state", "from", c.state.String(), "to", s.String())
	c.state = s
}

func (c *Controller) notify() {
	c.subMu.Lock()
	if len(c.subs) == 0 {
		c.subMu.Unlock()
		return
	}
	fns := make([]func(Status), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	st := c.status()
	for _, fn := range fns {
		fn(st)
	}
}

func (c *Controller) record(e eventlog.Event) {
	if c.cfg.Events == nil {
		return
	}
	c.cfg.Events.Record(c.ctx, e)
}
