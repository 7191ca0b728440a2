//go:build !govips && cgo

package pipeline

import (
	"image"
	"io"

	"github.com/chai2010/webp"

	"github.com/dunamismax/bwproxy/internal/domain"
)

const stdModernFormat = domain.FormatWebP

func encodeModern(w io.Writer, img image.Image, quality int) error {
	return webp.Encode(w, img, &webp.Options{Quality: float32(quality)})
}
