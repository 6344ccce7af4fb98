// Package blob stores image derivatives on a local directory tree or an
// S3-compatible bucket. Callers address blobs by opaque locators of the form
// "{variant}/{filename}"; filesystem paths and object keys stay inside the
// backend.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a locator does not resolve to a stored blob.
var ErrNotFound = errors.New("blob not found")

// Variant names a stored rendition of an image.
type Variant string

const (
	VariantOriginal  Variant = "original"
	VariantOptimized Variant = "optimized"
	VariantThumbnail Variant = "thumbnail"
)

// Variants lists every known variant.
var Variants = []Variant{VariantOriginal, VariantOptimized, VariantThumbnail}

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	switch v {
	case VariantOriginal, VariantOptimized, VariantThumbnail:
		return true
	}
	return false
}

// Locator is the backend-independent address of a blob.
type Locator string

// NewLocator builds a locator after validating both parts.
func NewLocator(variant Variant, filename string) (Locator, error) {
	if !variant.Valid() {
		return "", fmt.Errorf("unknown variant %q", variant)
	}
	if err := validateFilename(filename); err != nil {
		return "", err
	}
	return Locator(string(variant) + "/" + filename), nil
}

// Parse splits and validates a locator.
func (l Locator) Parse() (Variant, string, error) {
	variant, filename, ok := strings.Cut(string(l), "/")
	if !ok {
		return "", "", fmt.Errorf("malformed locator %q", l)
	}
	v := Variant(variant)
	if !v.Valid() {
		return "", "", fmt.Errorf("unknown variant in locator %q", l)
	}
	if err := validateFilename(filename); err != nil {
		return "", "", err
	}
	return v, filename, nil
}

func validateFilename(name string) error {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid blob filename %q", name)
	}
	return nil
}

// Backend is a blob store. Implementations must be safe for concurrent use.
type Backend interface {
	// Name identifies the backend kind ("local" or "remote").
	Name() string
	Write(ctx context.Context, variant Variant, filename string, data []byte, mimeType string) (Locator, error)
	Read(ctx context.Context, locator Locator) ([]byte, error)
	// Delete returns ErrNotFound when nothing is stored under locator.
	Delete(ctx context.Context, locator Locator) error
}
