package identity

import (
	"encoding/json"
	"html"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/microcosm-cc/bluemonday"
	nethtml "golang.org/x/net/html"
)

// DefaultMetadataPatterns match owner names in inline script payloads. The
// first capture group is the identity.
var DefaultMetadataPatterns = []string{
	`"author":"([^"]+)"`,
	`"owner":\{"name":"([^"]+)"`,
	`(?i)up主[：:]?\s*([^\s"]+)`,
	`(?i)投稿[：:]?\s*([^\s"]+)`,
}

const (
	initialStateMarker = "__INITIAL_STATE__"
	scriptEvalBudget   = 50 * time.Millisecond
)

// initialStateOwner reads the owner name out of an evaluated state object.
const initialStateOwner = `(function (s) {
	if (!s) { return ""; }
	var o = (s.videoData && s.videoData.owner) || s.upData || {};
	return typeof o.name === "string" ? o.name : "";
})(window.__INITIAL_STATE__)`

// MetadataStrategy scans <script> payloads in document order. For each
// payload the patterns are tried in order; the first match wins.
type MetadataStrategy struct {
	patterns []*regexp.Regexp
	eval     bool
	strip    *bluemonday.Policy
	logger   *slog.Logger
}

// NewMetadataStrategy compiles patterns, falling back to
// DefaultMetadataPatterns when none are given. Patterns without a capture
// group are rejected. With eval set, payloads assigning
// window.__INITIAL_STATE__ are also evaluated in a sandbox.
func NewMetadataStrategy(patterns []string, eval bool, logger *slog.Logger) *MetadataStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	if len(patterns) == 0 {
		patterns = DefaultMetadataPatterns
	}
	s := &MetadataStrategy{
		eval:   eval,
		strip:  bluemonday.StrictPolicy(),
		logger: logger,
	}
	for _, raw := range patterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			logger.Warn("identity: skipping metadata pattern", "pattern", raw, "error", err)
			continue
		}
		if re.NumSubexp() < 1 {
			logger.Warn("identity: skipping metadata pattern without capture group", "pattern", raw)
			continue
		}
		s.patterns = append(s.patterns, re)
	}
	return s
}

// Name implements Strategy.
func (s *MetadataStrategy) Name() string { return "metadata" }

// Resolve implements Strategy.
func (s *MetadataStrategy) Resolve(p *Page) Result {
	if p.Root == nil {
		return failed(s.Name(), "no document")
	}
	for _, payload := range scriptPayloads(p.Root) {
		for _, re := range s.patterns {
			m := re.FindStringSubmatch(payload)
			if len(m) < 2 {
				continue
			}
			if name := s.clean(m[1]); name != "" {
				return found(s.Name(), name, name)
			}
		}
		if s.eval && strings.Contains(payload, initialStateMarker) {
			if name := s.clean(evalInitialState(payload)); name != "" {
				return found(s.Name(), name, name)
			}
		}
	}
	return failed(s.Name(), "no owner in script payloads")
}

// clean turns a raw capture into display text: JSON escapes decoded, markup
// stripped, entities unescaped, surrounding space trimmed.
func (s *MetadataStrategy) clean(raw string) string {
	if strings.Contains(raw, `\`) {
		var decoded string
		if err := json.Unmarshal([]byte(`"`+raw+`"`), &decoded); err == nil {
			raw = decoded
		}
	}
	return strings.TrimSpace(html.UnescapeString(s.strip.Sanitize(raw)))
}

func scriptPayloads(root *nethtml.Node) []string {
	var out []string
	var walk func(*nethtml.Node)
	walk = func(n *nethtml.Node) {
		if n.Type == nethtml.ElementNode && n.Data == "script" {
			if text := textContent(n); text != "" {
				out = append(out, text)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// evalInitialState runs payload in an isolated VM whose global object doubles
// as window, then reads the owner name. Errors raised after the assignment
// (e.g. scripts touching document) are ignored. Runaway scripts are
// interrupted.
func evalInitialState(payload string) (name string) {
	defer func() {
		if recover() != nil {
			name = ""
		}
	}()

	vm := goja.New()
	if err := vm.Set("window", vm.GlobalObject()); err != nil {
		return ""
	}
	timer := time.AfterFunc(scriptEvalBudget, func() { vm.Interrupt("budget exceeded") })
	defer timer.Stop()

	_, _ = vm.RunString(payload)
	vm.ClearInterrupt()
	v, err := vm.RunString(initialStateOwner)
	if err != nil || v == nil {
		return ""
	}
	return v.String()
}
