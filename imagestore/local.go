package imagestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Local writes artifacts under a directory. Used in development when no
// bucket is configured.
type Local struct {
	root string
}

// NewLocal builds a filesystem-backed uploader rooted at dir.
func NewLocal(dir string) *Local {
	return &Local{root: dir}
}

// Upload writes data under the root and returns a file URL.
func (l *Local) Upload(_ context.Context, path string, data []byte) (string, error) {
	var target = filepath.Join(l.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("writing artifact %s: %w", path, err)
	}
	return "file://" + target, nil
}
