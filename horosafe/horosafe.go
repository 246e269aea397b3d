// Package horosafe holds the input checks applied to user-supplied URLs and
// files before they reach the browser or the store.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
)

// MaxImportSize caps policy files read by ReadFileLimited callers (1 MiB).
const MaxImportSize int64 = 1 << 20

// ErrUnsafeScheme is returned when a URL uses a scheme that is not allowed
// for its role.
var ErrUnsafeScheme = errors.New("horosafe: unsupported URL scheme")

// ErrTooLarge is returned when a read exceeds its limit.
var ErrTooLarge = errors.New("horosafe: input too large")

// ValidatePageURL checks that rawURL is an http or https URL with a host,
// the only pages the browser is pointed at.
func ValidatePageURL(rawURL string) error {
	return validate(rawURL, "http", "https")
}

// ValidateRemoteURL checks a DevTools endpoint: ws, wss, http or https with
// a host.
func ValidateRemoteURL(rawURL string) error {
	return validate(rawURL, "ws", "wss", "http", "https")
}

func validate(rawURL string, schemes ...string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	ok := false
	for _, s := range schemes {
		if scheme == s {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsafeScheme, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("horosafe: URL has no host")
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r. Returns ErrTooLarge if the
// limit is exceeded.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, maxBytes)
	}
	return data, nil
}

// ReadFileLimited reads the file at path, refusing anything larger than
// maxBytes.
func ReadFileLimited(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LimitedReadAll(f, maxBytes)
}
