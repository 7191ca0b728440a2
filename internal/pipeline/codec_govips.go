//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"

	"github.com/dunamismax/bwproxy/internal/domain"
)

const (
	avifEffort     = 2
	avifBitdepth   = 8
	jpegQuantTable = 3
)

type govipsCodec struct{}

func (govipsCodec) ModernFormat() domain.Format {
	return domain.FormatAVIF
}

func (govipsCodec) Metadata(input []byte) (Metadata, error) {
	img, err := loadLenient(input)
	if err != nil {
		return Metadata{}, err
	}
	defer img.Close()

	return Metadata{
		Width:  img.Width(),
		Height: img.Height(),
		Format: formatFromImageType(vips.DetermineImageType(input)),
	}, nil
}

func (govipsCodec) Encode(ctx context.Context, input []byte, opts EncodeOptions) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	img, err := loadLenient(input)
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}
	defer img.Close()

	if err := checkPixels(img.Width(), img.Height()); err != nil {
		return nil, err
	}

	if img.HasAlpha() {
		if err := img.Flatten(&vips.Color{R: 255, G: 255, B: 255}); err != nil {
			return nil, fmt.Errorf("flatten alpha: %w", err)
		}
	}

	if opts.Width > 0 && opts.Width < img.Width() {
		scale := float64(opts.Width) / float64(img.Width())
		if err := img.Resize(scale, vips.KernelLanczos2); err != nil {
			return nil, fmt.Errorf("resize image: %w", err)
		}
	}

	if opts.Grayscale {
		if err := img.ToColorSpace(vips.InterpretationBW); err != nil {
			return nil, fmt.Errorf("grayscale: %w", err)
		}
	}

	return exportGovipsImage(img, opts.Format, opts.Quality)
}

// loadLenient tolerates truncated or slightly malformed inputs the way
// browsers do.
func loadLenient(input []byte) (*vips.ImageRef, error) {
	params := vips.NewImportParams()
	params.FailOnError.Set(false)
	return vips.LoadImageFromBuffer(input, params)
}

func formatFromImageType(t vips.ImageType) domain.Format {
	switch t {
	case vips.ImageTypeJPEG:
		return domain.FormatJPEG
	case vips.ImageTypePNG:
		return domain.FormatPNG
	case vips.ImageTypeGIF:
		return domain.FormatGIF
	case vips.ImageTypeWEBP:
		return domain.FormatWebP
	case vips.ImageTypeAVIF:
		return domain.FormatAVIF
	case vips.ImageTypeTIFF:
		return domain.Format("tiff")
	case vips.ImageTypeBMP:
		return domain.Format("bmp")
	default:
		return domain.FormatAVIF
	}
}

func exportGovipsImage(img *vips.ImageRef, format domain.Format, quality int) ([]byte, error) {
	switch format {
	case domain.FormatJPEG:
		params := vips.NewJpegExportParams()
		params.StripMetadata = true
		params.Quality = clampQuality(quality)
		params.Interlace = true
		params.OptimizeCoding = true
		params.TrellisQuant = true
		params.OvershootDeringing = true
		params.QuantTable = jpegQuantTable
		params.SubsampleMode = vips.VipsForeignSubsampleOn
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case domain.FormatAVIF:
		params := vips.NewAvifExportParams()
		params.StripMetadata = true
		params.Quality = clampQuality(quality)
		params.Effort = avifEffort
		params.Bitdepth = avifBitdepth
		data, _, err := img.ExportAvif(params)
		if err != nil {
			return nil, fmt.Errorf("encode avif: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}
