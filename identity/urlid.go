package identity

import (
	"log/slog"
	"regexp"
)

// DefaultURLPattern extracts the video id from a watch page URL.
const DefaultURLPattern = `/video/(BV\w+)`

// CurrentVideoName is the display name given to URL-derived identities.
const CurrentVideoName = "current video"

// URLStrategy derives a stable, non-human-readable identity from the URL. It
// is the last resort of the chain.
type URLStrategy struct {
	re *regexp.Regexp
}

// NewURLStrategy compiles pattern, falling back to DefaultURLPattern when it
// is empty or invalid.
func NewURLStrategy(pattern string, logger *slog.Logger) *URLStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	if pattern == "" {
		pattern = DefaultURLPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil || re.NumSubexp() < 1 {
		logger.Warn("identity: invalid url pattern, using default", "pattern", pattern, "error", err)
		re = regexp.MustCompile(DefaultURLPattern)
	}
	return &URLStrategy{re: re}
}

// Name implements Strategy.
func (s *URLStrategy) Name() string { return "url" }

// Resolve implements Strategy.
func (s *URLStrategy) Resolve(p *Page) Result {
	m := s.re.FindStringSubmatch(p.URL)
	if len(m) < 2 || m[1] == "" {
		return failed(s.Name(), "no content id in %q", p.URL)
	}
	return found(s.Name(), m[1], CurrentVideoName)
}
