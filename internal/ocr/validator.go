package ocr

import (
	"bytes"
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
)

const (
	DefaultMaxImageBytes = 5 << 20
	DefaultMaxPixels     = 40_000_000
)

// ImageInfo describes an accepted upload.
type ImageInfo struct {
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Size   int    `json:"size"`
}

// Validator rejects uploads that are empty, too large or not a decodable
// image before they are sent for recognition.
type Validator struct {
	MaxBytes  int
	MaxPixels int64
}

// Validate inspects only the image header; pixels are never decoded.
func (v Validator) Validate(data []byte) (ImageInfo, error) {
	maxBytes := v.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	maxPixels := v.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	if len(data) == 0 {
		return ImageInfo{}, apperr.InvalidInput("No image was uploaded.", nil)
	}
	if len(data) > maxBytes {
		return ImageInfo{}, apperr.InvalidInput(
			fmt.Sprintf("The image is too large (%d bytes, limit %d).", len(data), maxBytes), nil)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, apperr.InvalidInput("The file is not a supported image.", fmt.Errorf("decode image config: %w", err))
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return ImageInfo{}, apperr.InvalidInput(
			fmt.Sprintf("The image is too large (%dx%d pixels).", cfg.Width, cfg.Height), nil)
	}
	return ImageInfo{Format: format, Width: cfg.Width, Height: cfg.Height, Size: len(data)}, nil
}
