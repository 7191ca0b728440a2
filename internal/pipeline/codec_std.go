//go:build !govips || !cgo

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/dunamismax/bwproxy/internal/domain"
)

type stdCodec struct{}

func (stdCodec) ModernFormat() domain.Format {
	return stdModernFormat
}

func (stdCodec) Metadata(input []byte) (Metadata, error) {
	cfg, name, err := image.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		return Metadata{}, fmt.Errorf("read image header: %w", err)
	}
	return Metadata{Width: cfg.Width, Height: cfg.Height, Format: domain.Format(name)}, nil
}

func (stdCodec) Encode(ctx context.Context, input []byte, opts EncodeOptions) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if cfg, _, err := image.DecodeConfig(bytes.NewReader(input)); err == nil {
		if err := checkPixels(cfg.Width, cfg.Height); err != nil {
			return nil, err
		}
	}

	src, err := decodeLenient(input)
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}

	img := flattenOnWhite(src)

	bounds := img.Bounds()
	if opts.Width > 0 && opts.Width < bounds.Dx() {
		height := opts.Height
		if height < 1 {
			height = 1
		}
		img = imaging.Resize(img, opts.Width, height, imaging.Lanczos)
	}

	if opts.Grayscale {
		img = imaging.Grayscale(img)
	}

	var buf bytes.Buffer
	switch {
	case opts.Format == stdModernFormat:
		if err := encodeModern(&buf, img, clampQuality(opts.Quality)); err != nil {
			return nil, fmt.Errorf("encode %s: %w", stdModernFormat, err)
		}
	case opts.Format == domain.FormatJPEG:
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(clampQuality(opts.Quality))); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported output format: %s", opts.Format)
	}
	return buf.Bytes(), nil
}

// Bytes of zero fill appended per 8x8 block when recovering a truncated
// JPEG. Zero bits always decode to the shortest Huffman code, which keeps
// the filled blocks cheap.
const truncatedFillPerBlock = 64

var jpegEOI = []byte{0xFF, 0xD9}

// decodeLenient decodes input, recovering JPEGs whose entropy-coded data was
// cut short. The missing blocks decode as flat fill. Other formats must be
// complete.
func decodeLenient(input []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(input))
	if err == nil || !isJPEG(input) {
		return img, err
	}

	cfg, cfgErr := jpeg.DecodeConfig(bytes.NewReader(input))
	if cfgErr != nil {
		return nil, err
	}
	blocks := int64((cfg.Width+7)/8) * int64((cfg.Height+7)/8) * 3
	padded := io.MultiReader(
		bytes.NewReader(input),
		io.LimitReader(zeroReader{}, blocks*truncatedFillPerBlock),
		bytes.NewReader(jpegEOI),
	)
	recovered, recoverErr := jpeg.Decode(padded)
	if recoverErr != nil {
		return nil, err
	}
	return recovered, nil
}

func isJPEG(input []byte) bool {
	return len(input) >= 3 && input[0] == 0xFF && input[1] == 0xD8 && input[2] == 0xFF
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// flattenOnWhite composites images that may carry transparency onto an
// opaque white canvas. Opaque images are returned as is.
func flattenOnWhite(src image.Image) image.Image {
	if o, ok := src.(interface{ Opaque() bool }); ok && o.Opaque() {
		return src
	}
	bounds := src.Bounds()
	canvas := imaging.New(bounds.Dx(), bounds.Dy(), color.White)
	return imaging.Overlay(canvas, src, image.Pt(0, 0), 1.0)
}

func newCodec() (Codec, error) {
	return stdCodec{}, nil
}
