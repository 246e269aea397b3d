// Package identity infers which content owner a page belongs to.
//
// A Resolver runs an ordered chain of strategies over a document snapshot and
// returns the first success:
//
//  1. structural: known owner-name label locations (CSS selectors)
//  2. metadata:   owner-name patterns in inline script payloads
//  3. url:        a canonical content id taken from the page URL
//
// Resolve is a pure function of the snapshot. A strategy that faults is
// treated as having failed and the chain moves on; Resolve never panics.
package identity

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/net/html"

	"github.com/hazyhaar/volkeeper/dom"
)

// ErrUnresolved is the failure reason when every strategy came up empty.
var ErrUnresolved = errors.New("identity: unresolved")

// Identity is an opaque token naming a content owner.
type Identity string

// Result is the outcome of one strategy, or of the whole chain. A zero ID
// means failure and Err carries the reason.
type Result struct {
	ID       Identity
	Name     string // display name, may differ from ID
	Strategy string
	Err      error
}

// OK reports whether r carries an identity.
func (r Result) OK() bool { return r.ID != "" }

func found(strategy string, id, name string) Result {
	return Result{ID: Identity(id), Name: name, Strategy: strategy}
}

func failed(strategy string, format string, args ...any) Result {
	return Result{Strategy: strategy, Err: fmt.Errorf(format, args...)}
}

// Page is the parsed view of a snapshot shared by all strategies of one
// resolution.
type Page struct {
	URL  string
	Root *html.Node // nil when the markup could not be parsed
}

// Strategy is one link of the fallback chain.
type Strategy interface {
	Name() string
	Resolve(p *Page) Result
}

// Config tunes the default chain. Empty fields take the built-in defaults.
type Config struct {
	LabelSelectors   []string
	MetadataPatterns []string
	URLPattern       string
	// DisableScriptEval turns off the sandboxed evaluation of inline state
	// payloads in the metadata strategy.
	DisableScriptEval bool
	Logger            *slog.Logger
}

// Resolver applies strategies in order.
type Resolver struct {
	strategies []Strategy
	logger     *slog.Logger
}

// New builds the default chain from cfg. Invalid selectors or patterns are
// dropped with a warning.
func New(cfg Config) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return NewWithStrategies(cfg.Logger,
		NewLabelStrategy(cfg.LabelSelectors, cfg.Logger),
		NewMetadataStrategy(cfg.MetadataPatterns, !cfg.DisableScriptEval, cfg.Logger),
		NewURLStrategy(cfg.URLPattern, cfg.Logger),
	)
}

// NewWithStrategies builds a resolver over an explicit chain.
func NewWithStrategies(logger *slog.Logger, strategies ...Strategy) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{strategies: strategies, logger: logger}
}

// Resolve runs the chain over snap.
func (r *Resolver) Resolve(snap dom.Snapshot) Result {
	page := &Page{URL: snap.URL}
	if root, err := html.Parse(bytes.NewReader(snap.HTML)); err == nil {
		page.Root = root
	} else {
		r.logger.Debug("identity: parse snapshot", "url", snap.URL, "error", err)
	}

	for _, s := range r.strategies {
		res := run(s, page)
		if res.OK() {
			return res
		}
		r.logger.Debug("identity: strategy failed",
			"strategy", s.Name(), "url", snap.URL, "reason", res.Err)
	}
	return Result{Err: ErrUnresolved}
}

// run shields the chain from a faulty strategy.
func run(s Strategy, p *Page) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = failed(s.Name(), "identity: %s panicked: %v", s.Name(), rec)
		}
	}()
	return s.Resolve(p)
}
