// Package proxy runs one proxy request end to end: normalize the query,
// fetch the origin, decide whether to transcode, and assemble the response.
package proxy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/bwproxy/internal/domain"
	"github.com/dunamismax/bwproxy/internal/pipeline"
	"github.com/dunamismax/bwproxy/internal/policy"
	"github.com/dunamismax/bwproxy/internal/upstream"
)

type Fetcher interface {
	Fetch(ctx context.Context, req upstream.Request) domain.FetchOutcome
}

type Transcoder interface {
	Transcode(ctx context.Context, input []byte, req pipeline.TranscodeRequest) (domain.TranscodeResult, error)
}

// EventLogger receives structured pipeline events. Implementations must not
// block or fail the request.
type EventLogger interface {
	Error(msg string, fields map[string]any)
	Request(ev domain.RequestEvent)
	UpstreamFetch(ev domain.UpstreamFetchEvent)
	Bypass(ev domain.BypassEvent)
	Compression(ev domain.CompressionEvent)
}

// Event is one inbound invocation. A nil Query means the caller supplied no
// parameters at all, which is distinct from an empty query.
type Event struct {
	Query    map[string]string
	Headers  map[string]string
	ClientIP string
}

type Handler struct {
	fetcher    Fetcher
	transcoder Transcoder
	logger     EventLogger
}

func NewHandler(fetcher Fetcher, transcoder Transcoder, logger EventLogger) *Handler {
	return &Handler{
		fetcher:    fetcher,
		transcoder: transcoder,
		logger:     logger,
	}
}

// Handle always produces exactly one response, including when a
// collaborator panics.
func (h *Handler) Handle(ctx context.Context, ev Event) (resp domain.Response) {
	var rawURL string
	defer func() {
		if r := recover(); r != nil {
			err := domain.WrapError(domain.KindInternal, "proxy.handle", "panic", fmt.Errorf("%v", r))
			h.logger.Error("handler error", map[string]any{"error": err.Error()})
			resp = ErrorResponse(err, rawURL)
		}
	}()

	intent, err := domain.ParseIntent(ev.Query)
	rawURL = intent.RawURL
	if err != nil {
		// A URL that cannot be fetched still counts as a failed fetch.
		if domain.KindOf(err) == domain.KindInvalidURL {
			h.logger.UpstreamFetch(domain.UpstreamFetchEvent{URL: rawURL, Err: err})
		}
		return h.fail(err, rawURL)
	}
	if intent.HealthCheck {
		return HealthCheckResponse()
	}

	outcome := h.fetcher.Fetch(ctx, upstream.Request{
		URL:      intent.URL,
		Headers:  ev.Headers,
		ClientIP: ev.ClientIP,
	})
	if !outcome.Success {
		return h.fail(domain.UpstreamFailed("proxy.fetch", outcome.StatusCode), rawURL)
	}

	contentType := outcome.ContentType()
	contentLength := len(outcome.Body)

	h.logger.Request(domain.RequestEvent{
		URL:         intent.URL,
		UserAgent:   header(ev.Headers, "user-agent"),
		Referer:     header(ev.Headers, "referer"),
		ClientIP:    clientIP(ev),
		JPEG:        intent.RawJPEG,
		BW:          intent.RawBW,
		Quality:     intent.Quality,
		ContentType: contentType,
	})

	decision := policy.Decide(contentLength, contentType, intent.PreferModern)
	if decision.Bypass {
		h.logger.Bypass(domain.BypassEvent{URL: intent.URL, Size: contentLength, Reason: decision.Reason})
		return BypassResponse(outcome, decision.Reason, intent.URLHash)
	}

	startedAt := time.Now()
	result, err := h.transcoder.Transcode(ctx, outcome.Body, pipeline.TranscodeRequest{
		PreferModern: intent.PreferModern,
		Grayscale:    intent.Grayscale,
		Quality:      intent.Quality,
		OriginalSize: contentLength,
	})
	if err != nil {
		h.logger.Compression(domain.CompressionEvent{
			URL:          intent.URL,
			OriginalSize: contentLength,
			Elapsed:      time.Since(startedAt),
			Err:          err,
		})
		return h.fail(err, rawURL)
	}

	h.logger.Compression(domain.CompressionEvent{
		URL:            intent.URL,
		OriginalSize:   contentLength,
		CompressedSize: result.OutputSize,
		BytesSaved:     result.BytesSaved,
		Quality:        intent.Quality,
		Format:         result.Format,
		Status:         result.Status,
		Elapsed:        time.Since(startedAt),
	})
	return TranscodedResponse(outcome, result, contentLength, intent.URLHash)
}

func (h *Handler) fail(err error, rawURL string) domain.Response {
	h.logger.Error("handler error", map[string]any{
		"error": err.Error(),
		"kind":  string(domain.KindOf(err)),
	})
	return ErrorResponse(err, rawURL)
}

func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func clientIP(ev Event) string {
	if ev.ClientIP != "" {
		return ev.ClientIP
	}
	return header(ev.Headers, "x-forwarded-for")
}
