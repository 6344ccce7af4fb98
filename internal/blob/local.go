package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Local stores blobs under root, one directory per variant.
type Local struct {
	root string
}

// NewLocal creates the variant directories under root.
func NewLocal(root string) (*Local, error) {
	for _, v := range Variants {
		if err := os.MkdirAll(filepath.Join(root, string(v)), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	return &Local{root: root}, nil
}

func (l *Local) Name() string { return "local" }

// Write stores data via temp file, fsync and atomic rename, so a crash never
// leaves a partially written blob under the final name.
func (l *Local) Write(ctx context.Context, variant Variant, filename string, data []byte, mimeType string) (Locator, error) {
	loc, err := NewLocator(variant, filename)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := filepath.Join(l.root, string(variant))
	f, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to fsync blob: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, filename)); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to rename blob: %w", err)
	}

	return loc, nil
}

func (l *Local) path(locator Locator) (string, error) {
	variant, filename, err := locator.Parse()
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, string(variant), filename), nil
}

func (l *Local) Read(ctx context.Context, locator Locator) ([]byte, error) {
	p, err := l.path(locator)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

func (l *Local) Delete(ctx context.Context, locator Locator) error {
	p, err := l.path(locator)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
