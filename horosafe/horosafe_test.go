package horosafe

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidatePageURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://www.bilibili.com/video/BV1xyz", false},
		{"http://127.0.0.1:8080/video/BV1xyz", false},
		{"ftp://example.com/data", true},
		{"javascript:alert(1)", true},
		{"file:///etc/passwd", true},
		{"https:///no-host", true},
		{"ws://example.com", true},
	}
	for _, tt := range tests {
		err := ValidatePageURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePageURL(%q) error=%v, wantErr=%v", tt.url, err, tt.wantErr)
		}
	}
}

func TestValidateRemoteURL(t *testing.T) {
	if err := ValidateRemoteURL("ws://127.0.0.1:9222/devtools/browser/abc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateRemoteURL("tcp://127.0.0.1:9222"); !errors.Is(err, ErrUnsafeScheme) {
		t.Fatalf("error: got %v, want %v", err, ErrUnsafeScheme)
	}
}

func TestLimitedReadAll(t *testing.T) {
	data := strings.Repeat("x", 100)
	got, err := LimitedReadAll(strings.NewReader(data), 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 bytes, got %d", len(got))
	}

	_, err = LimitedReadAll(strings.NewReader(data), 50)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("error: got %v, want %v", err, ErrTooLarge)
	}
}

func TestReadFileLimited(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.json")
	os.WriteFile(path, []byte(`{"a":1}`), 0o644)

	got, err := ReadFileLimited(path, 64)
	if err != nil || string(got) != `{"a":1}` {
		t.Fatalf("ReadFileLimited: got %q, %v", got, err)
	}
	if _, err := ReadFileLimited(path, 3); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("error: got %v, want %v", err, ErrTooLarge)
	}
	if _, err := ReadFileLimited(filepath.Join(t.TempDir(), "missing"), 64); err == nil {
		t.Fatal("expected error for missing file")
	}
}
