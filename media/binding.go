package media

import (
	"context"
	"errors"

	"github.com/hazyhaar/volkeeper/dom"
	"github.com/hazyhaar/volkeeper/level"
	"github.com/hazyhaar/volkeeper/loop"
)

// ErrReleased is returned by Binding writes after the binding was released.
var ErrReleased = errors.New("media: binding released")

// Binding associates the page with one media element. It is owned by the
// Binder and lives until the next bind, an explicit Release, or the element
// leaving the document. Subscriptions held in named slots are cancelled when
// the binding is released.
//
// Binding is not safe for concurrent use; it lives on the loop.
type Binding struct {
	media dom.Media
	gen   uint64
	sched loop.Scheduler
	live  bool
	slots map[string]func()
}

func newBinding(m dom.Media, gen uint64, sched loop.Scheduler) *Binding {
	return &Binding{media: m, gen: gen, sched: sched, live: true, slots: make(map[string]func())}
}

// Media returns the bound element.
func (b *Binding) Media() dom.Media { return b.media }

// Generation identifies this binding among all bindings of its Binder.
func (b *Binding) Generation() uint64 { return b.gen }

// Live reports whether the binding has not been released.
func (b *Binding) Live() bool { return b != nil && b.live }

// Volume reads the element's volume, clamped.
func (b *Binding) Volume(ctx context.Context) (level.Level, error) {
	v, err := b.media.Volume(ctx)
	if err != nil {
		return level.Unity, err
	}
	return level.Clamp(v), nil
}

// SetVolume writes lvl to the element, clamped.
func (b *Binding) SetVolume(ctx context.Context, lvl level.Level) error {
	if !b.live {
		return ErrReleased
	}
	return b.media.SetVolume(ctx, lvl.Clamped().Float())
}

// OnVolumeChange registers fn for the element's volume changes. fn runs on
// the loop, and never after the binding is released.
func (b *Binding) OnVolumeChange(fn func()) (cancel func()) {
	return b.media.OnVolumeChange(func() {
		b.sched.Post(func() {
			if b.live {
				fn()
			}
		})
	})
}

// Hold stores cancel in slot, releasing whatever the slot held before. On a
// released binding cancel runs immediately.
func (b *Binding) Hold(slot string, cancel func()) {
	if !b.live {
		cancel()
		return
	}
	b.Release(slot)
	b.slots[slot] = cancel
}

// Release cancels the subscription held in slot. It reports whether the
// slot was occupied.
func (b *Binding) Release(slot string) bool {
	cancel, ok := b.slots[slot]
	if !ok {
		return false
	}
	delete(b.slots, slot)
	cancel()
	return true
}

// Holds reports whether slot is occupied.
func (b *Binding) Holds(slot string) bool {
	_, ok := b.slots[slot]
	return ok
}

func (b *Binding) release() {
	if !b.live {
		return
	}
	b.live = false
	for slot, cancel := range b.slots {
		delete(b.slots, slot)
		cancel()
	}
}
