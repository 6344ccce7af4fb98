// Package derive produces resized renditions of uploaded images.
package derive

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/raine/food-vision/internal/blob"
)

// Output is an encoded derivative.
type Output struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

// Transformer turns the original image bytes into one derivative variant.
type Transformer interface {
	Variant() blob.Variant
	Transform(ctx context.Context, src []byte, mimeType string) (Output, error)
}

// Resize decodes the source, applies EXIF orientation, scales it down to fit
// within MaxDimension on both axes and re-encodes as JPEG.
type Resize struct {
	Target       blob.Variant
	MaxDimension int
	Quality      int
}

// Optimized is the display-size rendition.
func Optimized() *Resize {
	return &Resize{Target: blob.VariantOptimized, MaxDimension: 1600, Quality: 82}
}

// Thumbnail is the list-view rendition.
func Thumbnail() *Resize {
	return &Resize{Target: blob.VariantThumbnail, MaxDimension: 320, Quality: 75}
}

// Defaults returns the transformers run on every new asset.
func Defaults() []Transformer {
	return []Transformer{Optimized(), Thumbnail()}
}

func (r *Resize) Variant() blob.Variant { return r.Target }

func (r *Resize) Transform(ctx context.Context, src []byte, mimeType string) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return Output{}, fmt.Errorf("failed to decode %s image: %w", mimeType, err)
	}

	// Fit never upscales; small images are only re-encoded.
	resized := imaging.Fit(img, r.MaxDimension, r.MaxDimension, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(r.Quality)); err != nil {
		return Output{}, fmt.Errorf("failed to encode %s derivative: %w", r.Target, err)
	}

	bounds := resized.Bounds()
	return Output{
		Data:     buf.Bytes(),
		MimeType: "image/jpeg",
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
	}, nil
}

// Dimensions reads the pixel size from the image header without decoding
// the whole image.
func Dimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
