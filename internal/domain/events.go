package domain

import "time"

type RequestEvent struct {
	URL         string
	UserAgent   string
	Referer     string
	ClientIP    string
	JPEG        string
	BW          string
	Quality     int
	ContentType string
}

type UpstreamFetchEvent struct {
	URL        string
	StatusCode int
	Elapsed    time.Duration
	Success    bool
	Attempts   int
	Err        error
}

type BypassEvent struct {
	URL    string
	Size   int
	Reason BypassReason
}

type CompressionEvent struct {
	URL            string
	OriginalSize   int
	CompressedSize int
	BytesSaved     int
	Quality        int
	Format         Format
	Status         CompressionStatus
	Elapsed        time.Duration
	Err            error
}
