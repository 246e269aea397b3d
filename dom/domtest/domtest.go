// Package domtest provides in-memory dom.Document and dom.Media fakes.
// Listener callbacks fire synchronously on the goroutine that triggers them.
package domtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/hazyhaar/volkeeper/dom"
)

// listeners is a small registry of callbacks keyed by registration order.
type listeners struct {
	next int
	fns  map[int]func()
}

func (l *listeners) add(fn func()) int {
	if l.fns == nil {
		l.fns = make(map[int]func())
	}
	l.next++
	l.fns[l.next] = fn
	return l.next
}

func (l *listeners) snapshot() []func() {
	out := make([]func(), 0, len(l.fns))
	for i := 1; i <= l.next; i++ {
		if fn, ok := l.fns[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}

// Document is a fake page.
type Document struct {
	mu        sync.Mutex
	url       string
	html      string
	media     *Media
	observers listeners

	// SnapshotErr, when set, is returned by Snapshot.
	SnapshotErr error
}

var _ dom.Document = (*Document)(nil)

// NewDocument returns a fake page at url with the given markup.
func NewDocument(url, html string) *Document {
	return &Document{url: url, html: html}
}

// Snapshot implements dom.Document.
func (d *Document) Snapshot(context.Context) (dom.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SnapshotErr != nil {
		return dom.Snapshot{}, d.SnapshotErr
	}
	return dom.Snapshot{URL: d.url, HTML: []byte(d.html)}, nil
}

// Location implements dom.Document.
func (d *Document) Location(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url, nil
}

// OnMutation implements dom.Document.
func (d *Document) OnMutation(fn func()) func() {
	d.mu.Lock()
	id := d.observers.add(fn)
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.observers.fns, id)
		d.mu.Unlock()
	}
}

// QueryMedia implements dom.Document.
func (d *Document) QueryMedia(context.Context) (dom.Media, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.media == nil {
		return nil, dom.ErrNoMedia
	}
	return d.media, nil
}

// Observers returns the number of registered mutation callbacks.
func (d *Document) Observers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observers.fns)
}

// SetHTML replaces the markup without signalling a mutation.
func (d *Document) SetHTML(html string) {
	d.mu.Lock()
	d.html = html
	d.mu.Unlock()
}

// SetURL replaces the location without signalling a mutation.
func (d *Document) SetURL(url string) {
	d.mu.Lock()
	d.url = url
	d.mu.Unlock()
}

// InsertMedia attaches m and signals a mutation batch.
func (d *Document) InsertMedia(m *Media) {
	d.mu.Lock()
	d.media = m
	d.mu.Unlock()
	m.setConnected(true)
	d.Mutate()
}

// RemoveMedia detaches the current element and signals a mutation batch.
func (d *Document) RemoveMedia() {
	d.mu.Lock()
	m := d.media
	d.media = nil
	d.mu.Unlock()
	if m != nil {
		m.setConnected(false)
	}
	d.Mutate()
}

// Navigate performs a same-document transition: new URL, new markup, one
// mutation batch.
func (d *Document) Navigate(url, html string) {
	d.mu.Lock()
	d.url = url
	d.html = html
	d.mu.Unlock()
	d.Mutate()
}

// Mutate signals one mutation batch.
func (d *Document) Mutate() {
	d.mu.Lock()
	fns := d.observers.snapshot()
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Media is a fake media element. Like a browser, it only fires volumechange
// when the value actually changes.
type Media struct {
	id        string
	mu        sync.Mutex
	volume    float64
	connected bool
	observers listeners
	writes    int

	// SetErr, when set, is returned by SetVolume.
	SetErr error
}

var _ dom.Media = (*Media)(nil)

// NewMedia returns a detached fake element at the given volume.
func NewMedia(id string, volume float64) *Media {
	return &Media{id: id, volume: volume}
}

// ID implements dom.Media.
func (m *Media) ID() string { return m.id }

// Volume implements dom.Media.
func (m *Media) Volume(context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume, nil
}

// SetVolume implements dom.Media.
func (m *Media) SetVolume(_ context.Context, v float64) error {
	m.mu.Lock()
	if m.SetErr != nil {
		err := m.SetErr
		m.mu.Unlock()
		return err
	}
	if v < 0 || v > 2 {
		m.mu.Unlock()
		return fmt.Errorf("domtest: volume %v out of range", v)
	}
	m.writes++
	changed := m.volume != v
	m.volume = v
	fns := m.observers.snapshot()
	m.mu.Unlock()
	if changed {
		for _, fn := range fns {
			fn()
		}
	}
	return nil
}

// Set simulates a write by page code outside volkeeper.
func (m *Media) Set(v float64) { _ = m.SetVolume(context.Background(), v) }

// Get returns the current volume.
func (m *Media) Get() float64 {
	v, _ := m.Volume(context.Background())
	return v
}

// Writes returns how many times SetVolume succeeded.
func (m *Media) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// OnVolumeChange implements dom.Media.
func (m *Media) OnVolumeChange(fn func()) func() {
	m.mu.Lock()
	id := m.observers.add(fn)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.observers.fns, id)
		m.mu.Unlock()
	}
}

// Listeners returns the number of registered volumechange callbacks.
func (m *Media) Listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observers.fns)
}

// Connected implements dom.Media.
func (m *Media) Connected(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Media) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}
