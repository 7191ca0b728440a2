package pipeline

import (
	"context"
	"errors"

	"github.com/dunamismax/bwproxy/internal/domain"
)

const (
	// maxInputPixels guards against decompression bombs.
	maxInputPixels = 268402689

	minQuality = 1
	maxQuality = 100
)

var ErrTooManyPixels = errors.New("input image exceeds pixel limit")

type Metadata struct {
	Width  int
	Height int
	Format domain.Format
}

type EncodeOptions struct {
	Width     int
	Height    int
	Format    domain.Format
	Quality   int
	Grayscale bool
}

// Codec decodes, resizes and re-encodes image bytes. Implementations are
// selected at build time: libvips with the govips tag, pure Go otherwise.
type Codec interface {
	Metadata(input []byte) (Metadata, error)
	Encode(ctx context.Context, input []byte, opts EncodeOptions) ([]byte, error)
	ModernFormat() domain.Format
}

// NewCodec returns the codec compiled into this binary.
func NewCodec() (Codec, error) {
	return newCodec()
}

// clampQuality moves an out-of-range quality to the nearest bound the
// encoders accept.
func clampQuality(quality int) int {
	return min(max(quality, minQuality), maxQuality)
}

func checkPixels(width, height int) error {
	if width > 0 && height > 0 && int64(width)*int64(height) > maxInputPixels {
		return ErrTooManyPixels
	}
	return nil
}
