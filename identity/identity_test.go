package identity

import (
	"errors"
	"testing"

	"github.com/hazyhaar/volkeeper/dom"
)

func resolve(t *testing.T, url, markup string) Result {
	t.Helper()
	r := New(Config{})
	return r.Resolve(dom.Snapshot{URL: url, HTML: []byte(markup)})
}

func TestResolve_LabelWinsOverMetadataAndURL(t *testing.T) {
	markup := `<html><body>
		<div class="up-info"><a class="name"> Creator42 </a></div>
		<script>{"owner":{"name":"SomeoneElse"}}</script>
	</body></html>`

	got := resolve(t, "https://www.bilibili.com/video/BV1xyz", markup)
	if got.ID != "Creator42" {
		t.Fatalf("ID: got %q, want %q", got.ID, "Creator42")
	}
	if got.Strategy != "structural" {
		t.Errorf("Strategy: got %q, want structural", got.Strategy)
	}
}

func TestResolve_MetadataOwner(t *testing.T) {
	markup := `<html><head>
		<script>var x = 1;</script>
		<script>window.__INITIAL_STATE__={"videoData":{"owner":{"name":"Creator42","mid":1}}}</script>
	</head><body></body></html>`

	got := resolve(t, "https://www.bilibili.com/video/BV1xyz", markup)
	if got.ID != "Creator42" {
		t.Fatalf("ID: got %q, want %q", got.ID, "Creator42")
	}
	if got.Strategy != "metadata" {
		t.Errorf("Strategy: got %q, want metadata", got.Strategy)
	}
}

func TestResolve_URLFallback(t *testing.T) {
	got := resolve(t, "https://www.bilibili.com/video/BV1xyz", `<html><body><p>nothing</p></body></html>`)
	if got.ID != "BV1xyz" {
		t.Fatalf("ID: got %q, want %q", got.ID, "BV1xyz")
	}
	if got.Name != CurrentVideoName {
		t.Errorf("Name: got %q, want %q", got.Name, CurrentVideoName)
	}
}

func TestResolve_None(t *testing.T) {
	got := resolve(t, "https://www.bilibili.com/", `<html><body></body></html>`)
	if got.OK() {
		t.Fatalf("got identity %q, want none", got.ID)
	}
	if !errors.Is(got.Err, ErrUnresolved) {
		t.Errorf("Err: got %v, want %v", got.Err, ErrUnresolved)
	}
}

func TestResolve_WhitespaceLabelFallsThrough(t *testing.T) {
	markup := `<html><body>
		<span class="up-name">
		</span>
		<span class="username">Fallback</span>
	</body></html>`
	got := resolve(t, "https://www.bilibili.com/video/BV1xyz", markup)
	if got.ID != "Fallback" {
		t.Fatalf("ID: got %q, want %q", got.ID, "Fallback")
	}
}

func TestResolve_FirstMatchOnlyPerSelector(t *testing.T) {
	// querySelector semantics: an empty first match moves on to the next
	// selector even if later elements of the same selector have text.
	markup := `<html><body>
		<span class="up-name"></span>
		<span class="up-name">Second</span>
		<span class="up-card__name">Card</span>
	</body></html>`
	got := resolve(t, "", markup)
	if got.ID != "Card" {
		t.Fatalf("ID: got %q, want %q", got.ID, "Card")
	}
}

func TestResolve_AuthorPatternBeforeOwner(t *testing.T) {
	markup := `<script>{"owner":{"name":"Owner"},"author":"Author"}</script>`
	got := resolve(t, "", markup)
	if got.ID != "Author" {
		t.Fatalf("ID: got %q, want %q", got.ID, "Author")
	}
}

func TestResolve_MetadataDecodesEscapes(t *testing.T) {
	markup := `<script>{"author":"测试 &amp; co"}</script>`
	got := resolve(t, "", markup)
	if got.ID != "测试 & co" {
		t.Fatalf("ID: got %q, want %q", got.ID, "测试 & co")
	}
}

func TestResolve_MetadataUploaderPrefix(t *testing.T) {
	markup := `<script>var desc = "UP主：Creator42 更新";</script>`
	got := resolve(t, "", markup)
	if got.ID != "Creator42" {
		t.Fatalf("ID: got %q, want %q", got.ID, "Creator42")
	}
}

func TestResolve_InitialStateEvaluated(t *testing.T) {
	markup := `<script>window.__INITIAL_STATE__ = { "videoData": { "owner": { "name": "Spaced Owner" } } };
		(function () { document.currentScript.remove(); })();</script>`
	got := resolve(t, "", markup)
	if got.ID != "Spaced Owner" {
		t.Fatalf("ID: got %q, want %q", got.ID, "Spaced Owner")
	}
}

func TestResolve_InitialStateEvalDisabled(t *testing.T) {
	markup := `<script>window.__INITIAL_STATE__ = { "videoData": { "owner": { "name": "Spaced Owner" } } };</script>`
	r := New(Config{DisableScriptEval: true})
	got := r.Resolve(dom.Snapshot{HTML: []byte(markup)})
	if got.OK() {
		t.Fatalf("got %q, want none with eval disabled", got.ID)
	}
}

func TestResolve_RunawayScriptInterrupted(t *testing.T) {
	markup := `<script>window.__INITIAL_STATE__ = {}; while (true) {}</script>`
	got := resolve(t, "https://www.bilibili.com/video/BV9abc", markup)
	if got.ID != "BV9abc" {
		t.Fatalf("ID: got %q, want URL fallback BV9abc", got.ID)
	}
}

type panicStrategy struct{}

func (panicStrategy) Name() string         { return "panics" }
func (panicStrategy) Resolve(*Page) Result { panic("malformed") }

func TestResolve_PanickingStrategyFallsThrough(t *testing.T) {
	r := NewWithStrategies(nil, panicStrategy{}, NewURLStrategy("", nil))
	got := r.Resolve(dom.Snapshot{URL: "https://www.bilibili.com/video/BV1xyz"})
	if got.ID != "BV1xyz" {
		t.Fatalf("ID: got %q, want %q", got.ID, "BV1xyz")
	}
}

func TestNew_InvalidConfigSkipped(t *testing.T) {
	r := New(Config{
		LabelSelectors:   []string{"div[", ".owner"},
		MetadataPatterns: []string{"(", "no-group", `"up":"([^"]+)"`},
	})
	markup := `<div class="owner"></div><script>{"up":"Meta"}</script>`
	got := r.Resolve(dom.Snapshot{HTML: []byte(markup)})
	if got.ID != "Meta" {
		t.Fatalf("ID: got %q, want %q", got.ID, "Meta")
	}
}

func TestSelector_Compound(t *testing.T) {
	markup := `<html><body>
		<div id="main" class="card big"><span data-role="owner">A</span></div>
		<div class="card"><span data-role="owner">B</span></div>
	</body></html>`
	r := NewWithStrategies(nil, NewLabelStrategy([]string{`div#main.card.big span[data-role=owner]`}, nil))
	got := r.Resolve(dom.Snapshot{HTML: []byte(markup)})
	if got.ID != "A" {
		t.Fatalf("ID: got %q, want %q", got.ID, "A")
	}
}
