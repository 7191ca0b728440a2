// Package policy decides whether an upstream payload is worth transcoding.
// Everything here is pure: no I/O and no state.
package policy

import (
	"regexp"
	"strings"

	"github.com/dunamismax/bwproxy/internal/domain"
)

const (
	BypassThreshold          = 10 * 1024
	MinCompressLength        = 2 * 1024
	MinPaletteCompressLength = 100 * 1024
	MaxOriginalSize          = 5 * 1024 * 1024
)

var supportedImageTypes = regexp.MustCompile(`(?i)^image/(jpeg|png|gif|webp|bmp|tiff)`)

// Decide returns the bypass decision for a payload. The size threshold is
// checked before the content type, so a tiny non-image is "already_small".
func Decide(contentLength int, contentType string, preferModern bool) domain.CompressionDecision {
	if contentLength < BypassThreshold {
		return domain.CompressionDecision{Bypass: true, Reason: domain.BypassAlreadySmall}
	}
	if !ShouldCompress(contentType, contentLength, preferModern) {
		return domain.CompressionDecision{Bypass: true, Reason: domain.BypassCriteriaNotMet}
	}
	if !strings.HasPrefix(contentType, "image/") {
		return domain.CompressionDecision{Bypass: true, Reason: domain.BypassNonImage}
	}
	return domain.CompressionDecision{Bypass: false, Reason: domain.BypassNone}
}

// ShouldCompress reports whether the payload meets the compression criteria.
//
// The transparent flag is fed from the modern-format preference rather than
// from alpha inspection, so with the default preference the png/gif floor
// never applies.
func ShouldCompress(contentType string, size int, transparent bool) bool {
	if contentType == "" || size < 0 {
		return false
	}
	if size > MaxOriginalSize || size < MinCompressLength {
		return false
	}
	if !supportedImageTypes.MatchString(contentType) {
		return false
	}
	if transparent {
		return size >= MinCompressLength
	}
	if strings.HasSuffix(contentType, "png") || strings.HasSuffix(contentType, "gif") {
		return size >= MinPaletteCompressLength
	}
	return true
}
