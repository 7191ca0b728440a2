//go:build !cgo

package pipeline

import (
	"image"
	"io"

	"github.com/disintegration/imaging"

	"github.com/dunamismax/bwproxy/internal/domain"
)

// Without cgo there is no WebP encoder, so the modern preference collapses
// to JPEG.
const stdModernFormat = domain.FormatJPEG

func encodeModern(w io.Writer, img image.Image, quality int) error {
	return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
}
