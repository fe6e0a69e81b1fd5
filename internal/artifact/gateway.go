// Package artifact uploads binary evidence (screenshots, images) to
// durable storage and returns stable references. Failures surface as a
// typed *StorageError and never leave partial writes behind.
package artifact

import (
	"context"
	"fmt"
	"strings"
)

// Gateway is the artifact store boundary. Implementations must be safe
// for concurrent use.
type Gateway interface {
	// Upload stores data and returns a stable storage reference (URI).
	// suggestedKey is advisory; implementations may prefix or sanitize it
	// but must keep it stable for identical input.
	Upload(ctx context.Context, data []byte, contentType, suggestedKey string) (string, error)
}

// StorageError wraps any upload failure.
type StorageError struct {
	Backend string
	Key     string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("artifact upload to %s (key %s) failed: %v", e.Backend, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// sanitizeKey keeps storage keys filesystem- and URL-safe.
func sanitizeKey(key string) string {
	key = strings.TrimLeft(key, "/")
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '/':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// extensionFor maps a content type to a file extension.
func extensionFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "png"):
		return ".png"
	case strings.Contains(contentType, "gif"):
		return ".gif"
	case strings.Contains(contentType, "webp"):
		return ".webp"
	case strings.Contains(contentType, "jpeg"), strings.Contains(contentType, "jpg"):
		return ".jpg"
	default:
		return ".bin"
	}
}
