// ABOUTME: JSON file primary tier
// ABOUTME: Writes through a temp file and rename so readers never see a partial record

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileTier implements Tier on a single file.
type FileTier struct {
	path string
}

// NewFileTier returns a tier that stores the envelope at path.
func NewFileTier(path string) *FileTier {
	return &FileTier{path: path}
}

func (t *FileTier) Name() string { return "file" }

func (t *FileTier) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading envelope file: %w", err)
	}
	return data, nil
}

func (t *FileTier) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("creating envelope directory: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing envelope file: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("replacing envelope file: %w", err)
	}
	return nil
}

func (t *FileTier) Close() error { return nil }
