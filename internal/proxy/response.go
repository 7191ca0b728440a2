package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dunamismax/bwproxy/internal/domain"
)

const (
	HeaderCompressionStatus = "x-compression-status"
	HeaderBytesSaved        = "x-bytes-saved"
	HeaderOriginalSize      = "x-original-size"
	HeaderCompressedBy      = "x-compressed-by"
	HeaderBypassReason      = "x-bypass-reason"
	HeaderURLHash           = "x-url-hash"

	compressedBy = "bandwidth-hero"
)

// cacheHeaders is applied to every response after all other headers, so
// nothing copied from the origin can make a response cacheable.
var cacheHeaders = map[string]string{
	"content-encoding": "identity",
	"cache-control":    "private, no-store, no-cache, must-revalidate, max-age=0",
	"pragma":           "no-cache",
	"expires":          "0",
	"vary":             "url, jpeg, grayscale, quality",
}

var strippedUpstreamHeaders = []string{
	"content-encoding",
	"transfer-encoding",
	"x-encoded-content-encoding",
	"content-length",
}

type errorBody struct {
	Error string `json:"error"`
	URL   string `json:"url,omitempty"`
}

func HealthCheckResponse() domain.Response {
	return finalize(domain.Response{
		StatusCode: http.StatusOK,
		Body:       []byte(domain.HealthCheckBody),
		Headers:    map[string]string{"content-type": "text/plain; charset=utf-8"},
	})
}

func BypassResponse(outcome domain.FetchOutcome, reason domain.BypassReason, urlHash string) domain.Response {
	headers := upstreamHeaders(outcome.Headers)
	headers["content-type"] = outcome.ContentType()
	headers[HeaderBypassReason] = string(reason)
	headers[HeaderURLHash] = urlHash

	return finalize(domain.Response{
		StatusCode: http.StatusOK,
		Body:       outcome.Body,
		Headers:    headers,
		Binary:     true,
	})
}

func TranscodedResponse(outcome domain.FetchOutcome, result domain.TranscodeResult, originalSize int, urlHash string) domain.Response {
	headers := upstreamHeaders(outcome.Headers)
	headers["content-type"] = result.Format.ContentType()
	headers[HeaderCompressionStatus] = string(result.Status)
	headers[HeaderBytesSaved] = strconv.Itoa(result.BytesSaved)
	if result.Status == domain.StatusCompressed {
		headers[HeaderOriginalSize] = strconv.Itoa(originalSize)
	}
	headers[HeaderCompressedBy] = compressedBy
	headers[HeaderURLHash] = urlHash

	return finalize(domain.Response{
		StatusCode: http.StatusOK,
		Body:       result.Output,
		Headers:    headers,
		Binary:     true,
	})
}

// ErrorResponse maps a pipeline failure to its response. Upstream failures
// propagate the origin status when one was received and are header-only.
func ErrorResponse(err error, rawURL string) domain.Response {
	switch domain.KindOf(err) {
	case domain.KindMissingParameters:
		return jsonError(http.StatusBadRequest, errorBody{Error: "Missing query parameters"})
	case domain.KindInvalidURL:
		return finalize(domain.Response{StatusCode: http.StatusBadGateway, Headers: map[string]string{}})
	case domain.KindUpstreamFetchFailed:
		return finalize(domain.Response{StatusCode: upstreamStatus(err), Headers: map[string]string{}})
	case domain.KindCompressionFailed:
		return jsonError(http.StatusInternalServerError, errorBody{Error: "Compression failed", URL: rawURL})
	default:
		return jsonError(http.StatusInternalServerError, errorBody{Error: "Internal server error", URL: rawURL})
	}
}

// StatusResponse is a JSON error response outside the proxy pipeline, such
// as a rejected request. It carries the same cache headers as every proxy
// response.
func StatusResponse(status int, message string) domain.Response {
	return jsonError(status, errorBody{Error: message})
}

func upstreamStatus(err error) int {
	var typed *domain.Error
	if errors.As(err, &typed) && typed.StatusCode > 0 {
		return typed.StatusCode
	}
	return http.StatusBadGateway
}

func jsonError(status int, body errorBody) domain.Response {
	// errorBody only holds strings, so Marshal cannot fail.
	payload, _ := json.Marshal(body)
	return finalize(domain.Response{
		StatusCode: status,
		Body:       payload,
		Headers:    map[string]string{"content-type": "application/json"},
	})
}

func upstreamHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+8)
	for k, v := range in {
		out[k] = v
	}
	for _, name := range strippedUpstreamHeaders {
		delete(out, name)
	}
	return out
}

func finalize(resp domain.Response) domain.Response {
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	for k, v := range cacheHeaders {
		resp.Headers[k] = v
	}
	resp.Headers["content-length"] = strconv.Itoa(len(resp.Body))
	return resp
}
