package identity

import (
	"log/slog"
	"strings"
)

// DefaultLabelSelectors are the owner-name regions checked by the structural
// strategy, in priority order.
var DefaultLabelSelectors = []string{
	".up-info .name",
	".up-name",
	".username",
	".video-up-info .up-name",
	".up-card__name",
	".up-detail-name",
	".bili-video-card__info--owner",
}

// LabelStrategy reads the owner name from the first label location whose
// first match has non-blank text.
type LabelStrategy struct {
	selectors []selector
}

// NewLabelStrategy compiles selectors, falling back to
// DefaultLabelSelectors when none are given.
func NewLabelStrategy(selectors []string, logger *slog.Logger) *LabelStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	if len(selectors) == 0 {
		selectors = DefaultLabelSelectors
	}
	s := &LabelStrategy{}
	for _, raw := range selectors {
		sel, err := parseSelector(raw)
		if err != nil {
			logger.Warn("identity: skipping label selector", "selector", raw, "error", err)
			continue
		}
		s.selectors = append(s.selectors, sel)
	}
	return s
}

// Name implements Strategy.
func (s *LabelStrategy) Name() string { return "structural" }

// Resolve implements Strategy.
func (s *LabelStrategy) Resolve(p *Page) Result {
	if p.Root == nil {
		return failed(s.Name(), "no document")
	}
	for _, sel := range s.selectors {
		n := sel.first(p.Root)
		if n == nil {
			continue
		}
		if text := strings.TrimSpace(textContent(n)); text != "" {
			return found(s.Name(), text, text)
		}
	}
	return failed(s.Name(), "no label with text")
}
