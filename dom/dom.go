// Package dom defines the page environment the volkeeper core runs against:
// a document that can be snapshotted and observed, and the media element
// playing in it. The browser package implements it over go-rod; domtest
// implements it in memory for tests.
//
// Callbacks registered with OnMutation and OnVolumeChange may be invoked from
// any goroutine. Consumers hand them over to their loop.
package dom

import (
	"context"
	"errors"
	"net/url"
)

// ErrNoMedia is returned by QueryMedia when the document has no qualifying
// media element yet.
var ErrNoMedia = errors.New("dom: no media element")

// Snapshot is a point-in-time copy of the document.
type Snapshot struct {
	URL  string
	HTML []byte
}

// Path returns the path component of the snapshot URL.
func (s Snapshot) Path() string { return PathOf(s.URL) }

// PathOf extracts the logical page path from a URL. Unparseable input is
// returned unchanged so that two equal raw strings still compare equal.
func PathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}

// Document is the observable page.
type Document interface {
	// Snapshot serialises the current document.
	Snapshot(ctx context.Context) (Snapshot, error)
	// Location returns the current page URL.
	Location(ctx context.Context) (string, error)
	// OnMutation registers fn for every batch of subtree mutations anywhere in
	// the document. The returned func unregisters it.
	OnMutation(fn func()) (cancel func())
	// QueryMedia returns the active media element, or ErrNoMedia.
	QueryMedia(ctx context.Context) (Media, error)
}

// Media is a handle on one media element.
type Media interface {
	// ID identifies the element for the lifetime of the document.
	ID() string
	// Volume reads the element's current volume.
	Volume(ctx context.Context) (float64, error)
	// SetVolume writes the element's volume.
	SetVolume(ctx context.Context, v float64) error
	// OnVolumeChange registers fn for the element's volumechange events.
	OnVolumeChange(fn func()) (cancel func())
	// Connected reports whether the element is still attached to the document.
	Connected(ctx context.Context) bool
}
