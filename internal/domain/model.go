package domain

import "time"

const (
	DefaultQuality  = 40
	HealthCheckBody = "bandwidth-hero-proxy"
)

type Format string

const (
	FormatAVIF Format = "avif"
	FormatWebP Format = "webp"
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
)

func (f Format) ContentType() string {
	return "image/" + string(f)
}

// Intent is the normalized form of a proxy request. It is built once by
// ParseIntent and never mutated afterwards.
type Intent struct {
	HealthCheck  bool
	URL          string
	RawURL       string
	URLHash      string
	PreferModern bool
	Grayscale    bool
	Quality      int

	// Raw flag values, kept for request logging.
	RawJPEG string
	RawBW   string
}

type FetchOutcome struct {
	Success    bool
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Elapsed    time.Duration
	Attempts   int
}

// BestStatus is the status to report for the fetch, defaulting to 500 when
// no upstream response was received.
func (o FetchOutcome) BestStatus() int {
	if o.StatusCode == 0 {
		return 500
	}
	return o.StatusCode
}

func (o FetchOutcome) ContentType() string {
	return o.Headers["content-type"]
}

type BypassReason string

const (
	BypassNone           BypassReason = "none"
	BypassAlreadySmall   BypassReason = "already_small"
	BypassCriteriaNotMet BypassReason = "criteria_not_met"
	BypassNonImage       BypassReason = "non_image"
)

type CompressionDecision struct {
	Bypass bool
	Reason BypassReason
}

type CompressionStatus string

const (
	StatusCompressed     CompressionStatus = "compressed"
	StatusBypassedLarger CompressionStatus = "bypassed_larger"
)

type TranscodeResult struct {
	Output     []byte
	Format     Format
	OutputSize int
	BytesSaved int
	Status     CompressionStatus
}

type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string]string
	Binary     bool
}
