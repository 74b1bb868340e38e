// Package artifact stores binary phase outputs (synthesized audio and the
// like) and hands back stable references.
package artifact

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Open for unknown keys.
var ErrNotFound = errors.New("artifact: not found")

// Ref identifies a stored artifact. URL is reachable by downstream services.
type Ref struct {
	Key string
	URL string
}

// Store defines artifact storage operations. This allows switching between
// S3 and local storage implementations.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (Ref, error)
	Open(ctx context.Context, key string) (io.ReadCloser, string, error)
	URL(key string) string
}

// contentTypeFor guesses a media type from the key's extension.
func contentTypeFor(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".mp4":
		return "video/mp4"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}
