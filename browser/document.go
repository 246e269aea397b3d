package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/volkeeper/dom"
)

//go:embed bridge.js
var bridgeJS string

const bindingName = "__volkeeper_binding"

// message is what the bridge sends through the runtime binding.
type message struct {
	Kind  string `json:"kind"`
	Media string `json:"media,omitempty"`
}

// Document implements dom.Document over a rod page. Mutation and volume
// callbacks run on rod's event goroutine.
type Document struct {
	page   *rod.Page
	logger *slog.Logger
	cancel context.CancelFunc

	mu        sync.Mutex
	mutations listeners
	volumes   map[string]*listeners
}

var _ dom.Document = (*Document)(nil)

func newDocument(ctx context.Context, page *rod.Page, logger *slog.Logger) (*Document, error) {
	d := &Document{page: page, logger: logger, volumes: make(map[string]*listeners)}

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		return nil, fmt.Errorf("browser: add binding: %w", err)
	}
	if _, err := page.EvalOnNewDocument(bridgeJS); err != nil {
		return nil, fmt.Errorf("browser: install bridge: %w", err)
	}

	lctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	wait := page.Context(lctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		d.dispatch([]byte(e.Payload))
	})
	go wait()
	return d, nil
}

// inject evaluates the bridge in the current document. The bridge is
// idempotent, so this is safe after EvalOnNewDocument already ran it.
func (d *Document) inject(ctx context.Context) error {
	_, err := d.page.Context(ctx).Eval(`() => {` + bridgeJS + `}`)
	return err
}

func (d *Document) close() {
	if d.cancel != nil {
		d.cancel()
	}
}

// dispatch routes one bridge message to the registered callbacks.
func (d *Document) dispatch(payload []byte) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		d.logger.Warn("browser: parse bridge message", "error", err)
		return
	}

	d.mu.Lock()
	var fns []func()
	switch msg.Kind {
	case "mutation":
		fns = d.mutations.snapshot()
	case "volume":
		if l := d.volumes[msg.Media]; l != nil {
			fns = l.snapshot()
		}
	default:
		d.logger.Debug("browser: unknown bridge message", "kind", msg.Kind)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Snapshot implements dom.Document.
func (d *Document) Snapshot(ctx context.Context) (dom.Snapshot, error) {
	var out struct {
		URL  string `json:"url"`
		HTML string `json:"html"`
	}
	if err := d.evalJSON(ctx, &out, `() => JSON.stringify(window.__volkeeper
		? window.__volkeeper.snapshot()
		: { url: location.href, html: document.documentElement.outerHTML })`); err != nil {
		return dom.Snapshot{}, fmt.Errorf("browser: snapshot: %w", err)
	}
	return dom.Snapshot{URL: out.URL, HTML: []byte(out.HTML)}, nil
}

// Location implements dom.Document.
func (d *Document) Location(ctx context.Context) (string, error) {
	res, err := d.page.Context(ctx).Eval(`() => location.href`)
	if err != nil {
		return "", fmt.Errorf("browser: location: %w", err)
	}
	return res.Value.Str(), nil
}

// OnMutation implements dom.Document.
func (d *Document) OnMutation(fn func()) func() {
	d.mu.Lock()
	id := d.mutations.add(fn)
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.mutations.remove(id)
		d.mu.Unlock()
	}
}

// QueryMedia implements dom.Document.
func (d *Document) QueryMedia(ctx context.Context) (dom.Media, error) {
	var id string
	if err := d.evalJSON(ctx, &id, `() => JSON.stringify(window.__volkeeper ? window.__volkeeper.tag() : '')`); err != nil {
		return nil, fmt.Errorf("browser: query media: %w", err)
	}
	if id == "" {
		return nil, dom.ErrNoMedia
	}
	return &Media{doc: d, id: id}, nil
}

func (d *Document) evalJSON(ctx context.Context, v any, js string, args ...any) error {
	res, err := d.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(res.Value.Str()), v)
}

// errDetached is returned by Media reads once the element left the page.
var errDetached = errors.New("browser: media element detached")

// Media implements dom.Media for an element tagged by the bridge.
type Media struct {
	doc *Document
	id  string
}

var _ dom.Media = (*Media)(nil)

// ID implements dom.Media.
func (m *Media) ID() string { return m.id }

// Volume implements dom.Media.
func (m *Media) Volume(ctx context.Context) (float64, error) {
	var v *float64
	if err := m.doc.evalJSON(ctx, &v, `(id) => JSON.stringify(window.__volkeeper.get(id))`, m.id); err != nil {
		return 0, fmt.Errorf("browser: read volume: %w", err)
	}
	if v == nil {
		return 0, errDetached
	}
	return *v, nil
}

// SetVolume implements dom.Media.
func (m *Media) SetVolume(ctx context.Context, v float64) error {
	var ok bool
	if err := m.doc.evalJSON(ctx, &ok, `(id, v) => JSON.stringify(window.__volkeeper.set(id, v))`, m.id, v); err != nil {
		return fmt.Errorf("browser: write volume: %w", err)
	}
	if !ok {
		return errDetached
	}
	return nil
}

// OnVolumeChange implements dom.Media.
func (m *Media) OnVolumeChange(fn func()) func() {
	d := m.doc
	d.mu.Lock()
	l := d.volumes[m.id]
	if l == nil {
		l = &listeners{}
		d.volumes[m.id] = l
	}
	id := l.add(fn)
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		l.remove(id)
		if l.empty() {
			delete(d.volumes, m.id)
		}
		d.mu.Unlock()
	}
}

// Connected implements dom.Media.
func (m *Media) Connected(ctx context.Context) bool {
	var ok bool
	if err := m.doc.evalJSON(ctx, &ok, `(id) => JSON.stringify(window.__volkeeper ? window.__volkeeper.connected(id) : false)`, m.id); err != nil {
		m.doc.logger.Debug("browser: connected check", "media", m.id, "error", err)
		return false
	}
	return ok
}

// listeners is a registry of callbacks in registration order.
type listeners struct {
	next int
	ids  []int
	fns  map[int]func()
}

func (l *listeners) add(fn func()) int {
	if l.fns == nil {
		l.fns = make(map[int]func())
	}
	l.next++
	l.fns[l.next] = fn
	l.ids = append(l.ids, l.next)
	return l.next
}

func (l *listeners) remove(id int) {
	if _, ok := l.fns[id]; !ok {
		return
	}
	delete(l.fns, id)
	for i, v := range l.ids {
		if v == id {
			l.ids = append(l.ids[:i], l.ids[i+1:]...)
			break
		}
	}
}

func (l *listeners) empty() bool { return len(l.fns) == 0 }

func (l *listeners) snapshot() []func() {
	out := make([]func(), 0, len(l.ids))
	for _, id := range l.ids {
		out = append(out, l.fns[id])
	}
	return out
}
