// Package export renders a capture the way a user downloads it: indented
// JSON in a file named after the captured URL.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgnsrekt/empire_catcher/internal/types"
)

const fallbackSlug = "data"

// Filename derives "<slug>.json" from the last path segment of rawURL. When
// the URL ends with a separator the segment before it is used, and "data"
// when that is empty too.
func Filename(rawURL string) string {
	parts := strings.Split(rawURL, "/")
	slug := parts[len(parts)-1]
	if slug == "" && len(parts) > 1 {
		slug = parts[len(parts)-2]
	}
	slug = sanitize(slug)
	if slug == "" {
		slug = fallbackSlug
	}
	return slug + ".json"
}

// sanitize keeps the slug usable as a file name. Query strings and
// fragments are dropped.
func sanitize(slug string) string {
	if i := strings.IndexAny(slug, "?#"); i >= 0 {
		slug = slug[:i]
	}
	slug = strings.Map(func(r rune) rune {
		switch r {
		case '\\', ':', '*', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, slug)
	if slug == "." || slug == ".." {
		return ""
	}
	return slug
}

// Render returns data as JSON indented by two spaces.
func Render(data json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, types.NewError(types.CodeCaptureNotFound, "capture has no data", nil)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return nil, types.NewError(types.CodeMalformedPayload, "indent capture data", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Write renders rec into dir and returns the written path.
func Write(dir string, rec types.CaptureRecord) (string, error) {
	out, err := Render(rec.Data)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("export: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, Filename(rec.URL))
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", fmt.Errorf("export: write %s: %w", path, err)
	}
	return path, nil
}
