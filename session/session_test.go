package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/volkeeper/dom/domtest"
	"github.com/hazyhaar/volkeeper/eventlog"
	"github.com/hazyhaar/volkeeper/identity"
	"github.com/hazyhaar/volkeeper/level"
	"github.com/hazyhaar/volkeeper/loop"
	"github.com/hazyhaar/volkeeper/store"
)

const (
	pageX = `<html><body><div class="up-info"><a class="name">Creator42</a></div></body></html>`
	pageY = `<html><body><div class="up-info"><a class="name">OtherCreator</a></div></body></html>`
	urlX  = "https://www.bilibili.com/video/BV1xxx"
	urlY  = "https://www.bilibili.com/video/BV2yyy"
)

type recorder struct {
	mu     sync.Mutex
	events []eventlog.Event
}

func (r *recorder) Record(_ context.Context, e eventlog.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []eventlog.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventlog.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	doc   *domtest.Document
	media *domtest.Media
	sched *loop.Manual
	store *store.Store
	rec   *recorder
	c     *Controller
}

func newFixture(t *testing.T, url, markup string, policy level.Policy) *fixture {
	t.Helper()
	f := &fixture{
		doc:   domtest.NewDocument(url, markup),
		media: domtest.NewMedia("v1", 1.0),
		sched: loop.NewManual(),
		rec:   &recorder{},
	}
	f.store = store.Open(context.Background(), store.NewMemoryPersister())
	t.Cleanup(f.store.Close)
	f.store.Import(policy)
	f.c = New(f.doc, f.sched, identity.New(identity.Config{}), f.store, Config{Events: f.rec})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.sched.Advance(DefaultStartupDelay)
}

func (f *fixture) status(t *testing.T) Status {
	t.Helper()
	st, err := f.c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return st
}

func TestStart_WaitsForStartupDelay(t *testing.T) {
	f := newFixture(t, urlX, pageX, level.Policy{"Creator42": 0.3})
	f.doc.InsertMedia(f.media)

	if err := f.c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.sched.Advance(DefaultStartupDelay - time.Millisecond)
	if f.media.Get() != 1.0 {
		t.Fatalf("applied before the startup delay: %v", f.media.Get())
	}
	f.sched.Advance(time.Millisecond)
	if f.media.Get() != 0.3 {
		t.Fatalf("volume: got %v, want 0.3", f.media.Get())
	}
}

func TestEnforcesStoredLevel(t *testing.T) {
	f := newFixture(t, urlX, pageX, level.Policy{"Creator42": 0.3})
	f.doc.InsertMedia(f.media)
	f.start(t)

	st := f.status(t)
	if st.State != Enforcing || st.Identity != "Creator42" || st.Strategy != "structural" {
		t.Fatalf("Status: got %+v", st)
	}
	if f.media.Get() != 0.3 {
		t.Fatalf("volume: got %v, want 0.3", f.media.Get())
	}

	f.media.Set(1.0)
	f.sched.Advance(100 * time.Millisecond)
	if f.media.Get() != 0.3 {
		t.Fatalf("volume after external reset: got %v, want 0.3", f.media.Get())
	}
}

func TestReset_ClearsAndNeutralizes(t *testing.T) {
	f := newFixture(t, urlX, pageX, level.Policy{"Creator42": 0.3})
	f.doc.InsertMedia(f.media)
	f.start(t)

	if err := f.c.ResetVolume(context.Background()); err != nil {
		t.Fatalf("ResetVolume: %v", err)
	}
	if _, ok := f.store.Get("Creator42"); ok {
		t.Fatal("store entry survived reset")
	}
	if f.media.Get() != 1.0 {
		t.Fatalf("volume: got %v, want 1.0", f.media.Get())
	}

	f.media.Set(0.5)
	f.sched.Advance(time.Second)
	if f.media.Get() != 0.5 {
		t.Fatalf("still enforcing after reset: %v", f.media.Get())
	}
	st := f.status(t)
	if st.State != Idle || !st.Bound || st.Stored {
		t.Fatalf("Status: got %+v", st)
	}
}

func TestReset_AfterBindingTimeout(t *testing.T) {
	f := newFixture(t, urlX, pageX, level.Policy{"Creator42": 0.3})
	f.start(t)
	f.sched.Advance(5 * time.Second)

	late := domtest.NewMedia("v2", 0.3)
	f.doc.InsertMedia(late)
	if err := f.c.ResetVolume(context.Background()); err != nil {
		t.Fatalf("ResetVolume: %v", err)
	}
	f.sched.Advance(10 * time.Second)

	if late.Get() != 1.0 {
		t.Fatalf("volume: got %v, want 1.0", late.Get())
	}
	st := f.status(t)
	if st.Stored || !st.Bound || st.State != Idle {
		t.Fatalf("Status: got %+v", st)
	}
}

func TestReset_AwaitsLateElement(t *testing.T) {
	f := newFixture(t, urlX, pageX, level.Policy{"Creator42": 0.3})
	f.start(t)
	f.sched.Advance(5 * time.Second)

	if err := f.c.ResetVolume(context.Background()); err != nil {
		t.Fatalf("ResetVolume: %v", err)
	}
	if st := f.status(t); st.State != Resolving {
		t.Fatalf("State: got %v, want resolving", st.State)
	}
	late := domtest.NewMedia("v2", 0.3)
	f.doc.InsertMedia(late)
	f.sched.Drain()
	if late.Get() != 1.0 {
		t.Fatalf("volume: got %v, want 1.0", late.Get())
	}
}

func TestReset_StaleAfterNavigation(t *testing.T) {
	f := newFixture(t, urlX, pageX, level.Policy{"Creator42": 0.3, "OtherCreator": 0.8})
	f.start(t)
	f.sched.Advance(5 * time.Second)

	if err := f.c.ResetVolume(context.Background()); err != nil {
		t.Fatalf("ResetVolume: %v", err)
	}
	f.doc.Navigate(urlY, pageY)
	f.sched.Advance(time.Second)
	f.doc.InsertMedia(f.media)
	f.sched.Drain()
	if f.media.Get() != 0.8 {
		t.Fatalf("volume: got %v, want the new identity's 0.8", f.media.Get())
	}
}

func TestPreview_DoesNotStore(t *testing.T) {
	f := newFixture(t, urlX, pageX, level.Policy{"Creator42": 0.3})
	f.doc.InsertMedia(f.media)
	f.start(t)

	got, err := f.c.PreviewVolume(context.Background(), 0.7)
	if err != nil {
		t.Fatalf("PreviewVolume: %v", err)
	}
	if got != 0.7 || f.media.Get() != 0.7 {
		t.Fatalf("preview: got %v, element %v, want 0.7", got, f.media.Get())
	}
	if v, _ := f.store.Get("Creator42"); v != 0.3 {
		t.Fatalf("stored: got %v, want 0.3", v)
	}

	// The guard holds the previewed level, not the stored one.
	f.media.Set(1.0)
	f.sched.Advance(time.Second)
	if f.media.Get() != 0.7 {
		t.Fatalf("volume after external change: got %v, want 0.7", f.media.Get())
	}

	if got, _ := f.c.PreviewVolume(context.Background(), 9); got != level.Max {
		t.Fatalf("PreviewVolume: got %v, want clamped %v", got, level.Max)
	}
}

func TestPreview_Unbound(t *testing.T) {
	f := newFixture(t, urlX, pageX, level.Policy{"Creator42": 0.3})
	f.start(t)

	if _, err := f.c.PreviewVolume(context.Background(), 0.5); !errors.Is(err, ErrNotBound) {
		t.Fatalf("PreviewVolume: got %v, want ErrNotBound", err)
	}
}

func TestNavigation_SwitchesIdentity(t *testing.T) {
	f := newFixture(t, urlX, pageX, level.Policy{"Creator42": 0.3, "OtherCreator": 0.8})
	f.doc.InsertMedia(f.media)
	f.start(t)

	var states []State
	f.c.Subscribe(func(st Status) { states = append(states, st.State) })

	f.doc.Navigate(urlY, pageY)
	f.sched.Advance(time.Second)

	id, _ := f.c.CurrentIdentity(context.Background())
	if id.ID != "OtherCreator" {
		t.Fatalf("identity: got %q, want OtherCreator", id.ID)
	}
	if f.media.Get() != 0.8 {
		t.Fatalf("volume: got %v, want 0.8", f.media.Get())
	}
	// One enforcement and one status listener: the old pair is gone.
	if f.media.Listeners() != 2 {
		t.Fatalf("Listeners: got %d, want 2", f.media.Listeners())
	}

	f.media.Set(1.0)
	f.sched.Advance(time.Second)
	if f.media.Get() != 0.8 {
		t.Fatalf("volume after external reset: got %v, want 0.8", f.media.Get())
	}
	if len(states) == 0 || states[len(states)-1] != Enforcing {
		t.Fatalf("states: got %v", states)
	}
}

func TestNavigation_DuplicateBatchesDoNothing(t *testing.T) {
	f := newFixture(t, urlX, pageX, level.Policy{"Creator42": 0.3})
	f.doc.InsertMedia(f.media)
	f.start(t)
	before := len(f.rec.types())

	f.doc.Mutate()
	f.doc.Mutate()
	f.sched.Advance(5 * time.Second)
	if got := len(f.rec.types()); got != before {
		t.Fatalf("events: got %d, want %d", got, before)
	}
}

func TestNoStoredLevel_BoundButIdle(t *testing.T) {
	f := newFixture(t, urlX, pageX, nil)
	f.doc.InsertMedia(f.media)
	f.start(t)

	st := f.status(t)
	if st.State != Idle || !st.Bound || st.Identity != "Creator42" {
		t.Fatalf("Status: got %+v", st)
	}
	f.media.Set(0.6)
	f.sched.Advance(time.Second)
	if f.media.Get() != 0.6 {
		t.Fatalf("enforced without a stored level: %v", f.media.Get())
	}
	if v, _ := f.c.CurrentVolume(context.Background()); v != 0.6 {
		t.Fatalf("CurrentVolume: got %v, want live 0.6", v)
	}
}

func TestSave_AppliesAndEnforces(t *testing.T) {
	f := newFixture(t, urlX, pageX, nil)
	f.doc.InsertMedia(f.media)
	f.start(t)

	got, err := f.c.SaveVolume(context.Background(), 5.0)
	if err != nil {
		t.Fatalf("SaveVolume: %v", err)
	}
	if got != level.Max {
		t.Fatalf("SaveVolume: got %v, want clamped %v", got, level.Max)
	}
	if f.media.Get() != 2.0 {
		t.Fatalf("volume: got %v, want 2.0", f.media.Get())
	}
	if st := f.status(t); st.State != Enforcing || !st.Stored {
		t.Fatalf("Status: got %+v", st)
	}
}

func TestUnresolved(t *testing.T) {
	f := newFixture(t, "https://www.bilibili.com/", `<html><body></body></html>`, nil)
	f.doc.InsertMedia(f.media)
	f.start(t)

	if st := f.status(t); st.State != Idle || st.Identity != "" || st.Bound {
		t.Fatalf("Status: got %+v", st)
	}
	if _, err := f.c.SaveVolume(context.Background(), 0.5); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("SaveVolume: got %v, want ErrNoIdentity", err)
	}
	if err := f.c.ResetVolume(context.Background()); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("ResetVolume: got %v, want ErrNoIdentity", err)
	}
	if v, _ := f.c.CurrentVolume(context.Background()); v != level.Unity {
		t.Fatalf("CurrentVolume: got %v, want unity", v)
	}
	types := f.rec.types()
	if len(types) != 1 || types[0] != eventlog.IdentityUnresolved {
		t.Fatalf("events: got %v", types)
	}
}

func TestBindingTimeout_KeepsIdentity(t *testing.T) {
	f := newFixture(t, urlX, pageX, level.Policy{"Creator42": 0.3})
	f.start(t)

	f.sched.Advance(5 * time.Second)
	st := f.status(t)
	if st.State != Idle || st.Identity != "Creator42" || st.Bound {
		t.Fatalf("Status after timeout: got %+v", st)
	}
	if v, _ := f.c.CurrentVolume(context.Background()); v != 0.3 {
		t.Fatalf("CurrentVolume: got %v, want stored 0.3", v)
	}

	// A save awaits the element again.
	if _, err := f.c.SaveVolume(context.Background(), 0.4); err != nil {
		t.Fatalf("SaveVolume: %v", err)
	}
	f.doc.InsertMedia(f.media)
	f.sched.Drain()
	if f.media.Get() != 0.4 {
		t.Fatalf("volume: got %v, want 0.4", f.media.Get())
	}

	types := f.rec.types()
	found := false
	for _, typ := range types {
		if typ == eventlog.BindingTimeout {
			found = true
		}
	}
	if !found {
		t.Fatalf("events: got %v, want a binding_timeout", types)
	}
}

func TestLateMedia_BoundOnInsertion(t *testing.T) {
	f := newFixture(t, urlX, pageX, level.Policy{"Creator42": 0.3})
	f.start(t)

	if st := f.status(t); st.State != Resolving {
		t.Fatalf("State: got %v, want resolving", st.State)
	}
	f.doc.InsertMedia(f.media)
	f.sched.Drain()
	if f.media.Get() != 0.3 {
		t.Fatalf("volume: got %v, want 0.3", f.media.Get())
	}
}

func TestElementReplaced_Rebinds(t *testing.T) {
	f := newFixture(t, urlX, pageX, level.Policy{"Creator42": 0.3})
	f.doc.InsertMedia(f.media)
	f.start(t)

	f.doc.RemoveMedia()
	f.sched.Drain()
	if st := f.status(t); st.Bound {
		t.Fatalf("still bound after removal: %+v", st)
	}

	next := domtest.NewMedia("v2", 1.0)
	f.doc.InsertMedia(next)
	f.sched.Drain()
	if next.Get() != 0.3 {
		t.Fatalf("new element volume: got %v, want 0.3", next.Get())
	}
	if f.media.Listeners() != 0 {
		t.Fatalf("old element listeners: got %d, want 0", f.media.Listeners())
	}
}

func TestStop_ReleasesEverything(t *testing.T) {
	f := newFixture(t, urlX, pageX, level.Policy{"Creator42": 0.3})
	f.doc.InsertMedia(f.media)
	f.start(t)

	if err := f.c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f.media.Listeners() != 0 || f.doc.Observers() != 0 {
		t.Fatalf("listeners=%d observers=%d, want 0/0", f.media.Listeners(), f.doc.Observers())
	}
}

func TestSubscribe_Cancel(t *testing.T) {
	f := newFixture(t, urlX, pageX, level.Policy{"Creator42": 0.3})
	f.doc.InsertMedia(f.media)

	calls := 0
	cancel := f.c.Subscribe(func(Status) { calls++ })
	f.start(t)
	if calls == 0 {
		t.Fatal("no notification during resolution")
	}
	cancel()
	n := calls
	f.media.Set(0.9)
	f.sched.Advance(time.Second)
	if calls != n {
		t.Fatalf("notified after cancel: %d > %d", calls, n)
	}
}
