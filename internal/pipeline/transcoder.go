package pipeline

import (
	"context"
	"fmt"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/bwproxy/internal/domain"
)

const (
	MaxWidth = 400

	// Row limits of the legacy and modern encoders.
	maxLegacyHeight = 32767
	maxModernHeight = 16383

	minGrayscaleQuality = 10
	maxGrayscaleQuality = 40

	defaultDimension = 400
)

type TranscodeRequest struct {
	PreferModern bool
	Grayscale    bool
	Quality      int
	OriginalSize int
}

type Transcoder struct {
	codec  Codec
	tracer trace.Tracer
}

func NewTranscoder(codec Codec) *Transcoder {
	return &Transcoder{
		codec:  codec,
		tracer: otel.Tracer("bwproxy/pipeline"),
	}
}

// Transcode shrinks input according to req. Codec failures are returned as
// KindCompressionFailed and never carry partial output.
func (t *Transcoder) Transcode(ctx context.Context, input []byte, req TranscodeRequest) (domain.TranscodeResult, error) {
	ctx, span := t.tracer.Start(ctx, "pipeline.transcode")
	defer span.End()

	meta, err := t.codec.Metadata(input)
	if err != nil {
		meta = Metadata{}
	}
	// Unknown or zero dimensions fall back to a default square.
	if meta.Width <= 0 || meta.Height <= 0 {
		meta.Width, meta.Height = defaultDimension, defaultDimension
	}
	if meta.Format == "" {
		meta.Format = t.codec.ModernFormat()
	}

	width, height := TargetDimensions(meta.Width, meta.Height)
	format := SelectFormat(req.PreferModern, height, t.codec.ModernFormat())
	quality := EffectiveQuality(req.Quality, req.Grayscale)

	span.SetAttributes(
		attribute.String("image.format", string(format)),
		attribute.Int("image.width", width),
		attribute.Int("image.height", height),
		attribute.Int("image.quality", quality),
	)

	output, err := t.codec.Encode(ctx, input, EncodeOptions{
		Width:     width,
		Height:    height,
		Format:    format,
		Quality:   quality,
		Grayscale: req.Grayscale,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return domain.TranscodeResult{}, domain.WrapError(domain.KindCompressionFailed, "pipeline.transcode",
			fmt.Sprintf("encode %s", format), err)
	}

	if len(output) > req.OriginalSize {
		return domain.TranscodeResult{
			Output:     input,
			Format:     meta.Format,
			OutputSize: len(input),
			BytesSaved: 0,
			Status:     domain.StatusBypassedLarger,
		}, nil
	}

	return domain.TranscodeResult{
		Output:     output,
		Format:     format,
		OutputSize: len(output),
		BytesSaved: req.OriginalSize - len(output),
		Status:     domain.StatusCompressed,
	}, nil
}

// TargetDimensions caps width at MaxWidth, preserving aspect ratio. Images
// already narrow enough are never enlarged.
func TargetDimensions(width, height int) (int, int) {
	if width <= MaxWidth {
		return width, height
	}
	scale := float64(MaxWidth) / float64(width)
	return int(math.Round(float64(width) * scale)), int(math.Round(float64(height) * scale))
}

func SelectFormat(preferModern bool, scaledHeight int, modern domain.Format) domain.Format {
	switch {
	case scaledHeight > maxLegacyHeight:
		return domain.FormatJPEG
	case preferModern && scaledHeight > maxModernHeight:
		return domain.FormatJPEG
	case preferModern:
		return modern
	default:
		return domain.FormatJPEG
	}
}

func EffectiveQuality(quality int, grayscale bool) int {
	if !grayscale {
		return quality
	}
	return min(max(quality, minGrayscaleQuality), maxGrayscaleQuality)
}
