package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"citywatch/internal/logging"
)

// LocalGateway stores artifacts under a directory on the local
// filesystem. Intended for development and tests; references use the
// file:// scheme.
type LocalGateway struct {
	dir string
}

func NewLocalGateway(dir string) (*LocalGateway, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &LocalGateway{dir: abs}, nil
}

// Upload writes to a temp file and renames into place, so a failed write
// never leaves a partial artifact at the final key.
func (g *LocalGateway) Upload(ctx context.Context, data []byte, contentType, suggestedKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &StorageError{Backend: "local", Key: suggestedKey, Err: err}
	}

	key := sanitizeKey(suggestedKey)
	if key == "" {
		return "", &StorageError{Backend: "local", Key: suggestedKey, Err: fmt.Errorf("empty key")}
	}
	if !strings.Contains(filepath.Base(key), ".") {
		key += extensionFor(contentType)
	}

	dest := filepath.Join(g.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", &StorageError{Backend: "local", Key: key, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", &StorageError{Backend: "local", Key: key, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", &StorageError{Backend: "local", Key: key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", &StorageError{Backend: "local", Key: key, Err: err}
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", &StorageError{Backend: "local", Key: key, Err: err}
	}

	logging.Artifact("stored %d bytes at %s", len(data), dest)
	return "file://" + filepath.ToSlash(dest), nil
}
