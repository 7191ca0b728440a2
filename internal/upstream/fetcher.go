package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/bwproxy/internal/domain"
)

const (
	DefaultTimeout      = 8500 * time.Millisecond
	DefaultMaxRetries   = 2
	DefaultMaxBodyBytes = 32 << 20

	backoffStep = 500 * time.Millisecond
	maxBackoff  = 1 * time.Second
)

// ForwardedHeaders is the allow-list of client headers passed to the origin.
var ForwardedHeaders = []string{"cookie", "dnt", "referer", "user-agent", "accept", "accept-language"}

var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

type Reporter interface {
	UpstreamFetch(ev domain.UpstreamFetchEvent)
}

type Config struct {
	Timeout      time.Duration
	MaxRetries   int
	MaxBodyBytes int64
	Transport    http.RoundTripper
}

type Request struct {
	URL      string
	Headers  map[string]string
	ClientIP string
}

type Fetcher struct {
	httpClient   *http.Client
	reporter     Reporter
	timeout      time.Duration
	maxRetries   int
	maxBodyBytes int64
	sleep        func(ctx context.Context, d time.Duration) error
	tracer       trace.Tracer
}

func NewFetcher(cfg Config, reporter Reporter) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}

	transport := cfg.Transport
	if transport == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		base.DisableCompression = true
		base.ForceAttemptHTTP2 = false
		transport = base
	}

	return &Fetcher{
		httpClient:   &http.Client{Transport: transport},
		reporter:     reporter,
		timeout:      timeout,
		maxRetries:   maxRetries,
		maxBodyBytes: maxBodyBytes,
		sleep:        sleepContext,
		tracer:       otel.Tracer("bwproxy/upstream"),
	}
}

// Fetch retrieves req.URL, retrying transient failures. It never returns an
// error: failures are reported through the outcome's Success flag.
func (f *Fetcher) Fetch(ctx context.Context, req Request) domain.FetchOutcome {
	startedAt := time.Now()

	ctx, span := f.tracer.Start(ctx, "upstream.fetch", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("http.url", req.URL))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	outcome, err := f.fetch(ctx, req)
	outcome.Elapsed = time.Since(startedAt)

	span.SetAttributes(
		attribute.Int("http.status_code", outcome.StatusCode),
		attribute.Int("upstream.attempts", outcome.Attempts),
	)
	if !outcome.Success {
		if err != nil {
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, "upstream fetch failed")
	}

	if f.reporter != nil {
		f.reporter.UpstreamFetch(domain.UpstreamFetchEvent{
			URL:        req.URL,
			StatusCode: outcome.StatusCode,
			Elapsed:    outcome.Elapsed,
			Success:    outcome.Success,
			Attempts:   outcome.Attempts,
			Err:        err,
		})
	}
	return outcome
}

func (f *Fetcher) fetch(ctx context.Context, req Request) (domain.FetchOutcome, error) {
	headers := outboundHeaders(req.Headers, req.ClientIP)

	var (
		lastStatus int
		lastErr    error
	)
	maxAttempts := f.maxRetries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := f.sleep(ctx, backoffFor(attempt-1)); err != nil {
				return failed(lastStatus, attempt-1), fmt.Errorf("wait before retry: %w", err)
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
		if err != nil {
			return failed(0, attempt), fmt.Errorf("build upstream request: %w", err)
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := f.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			if !isRetryableError(ctx, err) || attempt == maxAttempts {
				return failed(lastStatus, attempt), err
			}
			continue
		}

		lastStatus = resp.StatusCode
		if retryableStatus[resp.StatusCode] && attempt < maxAttempts {
			drain(resp.Body)
			lastErr = fmt.Errorf("upstream returned status=%d", resp.StatusCode)
			continue
		}

		outcome, err := f.readResponse(resp, headers)
		outcome.Attempts = attempt
		if err != nil {
			// The status line arrived but the body is unusable; report no status.
			return failed(0, attempt), err
		}
		if !outcome.Success {
			return outcome, fmt.Errorf("upstream returned status=%d", resp.StatusCode)
		}
		return outcome, nil
	}

	// Only reachable when maxAttempts is zero, which NewFetcher prevents.
	return failed(lastStatus, maxAttempts), lastErr
}

func (f *Fetcher) readResponse(resp *http.Response, sent map[string]string) (domain.FetchOutcome, error) {
	defer resp.Body.Close()

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !success {
		drain(resp.Body)
		return domain.FetchOutcome{
			Success:    false,
			StatusCode: resp.StatusCode,
			Headers:    flattenHeader(resp.Header),
		}, nil
	}

	limited := io.LimitReader(resp.Body, f.maxBodyBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return domain.FetchOutcome{}, fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(raw)) > f.maxBodyBytes {
		return domain.FetchOutcome{}, fmt.Errorf("upstream body exceeds %d bytes", f.maxBodyBytes)
	}

	headers := flattenHeader(resp.Header)
	body := raw
	if !strings.EqualFold(sent["Accept-Encoding"], "identity") {
		decoded, decodedOK, err := decodeBody(headers["content-encoding"], raw, f.maxBodyBytes)
		if err != nil {
			return domain.FetchOutcome{}, fmt.Errorf("decode upstream body: %w", err)
		}
		if decodedOK {
			body = decoded
			delete(headers, "content-encoding")
			delete(headers, "content-length")
		}
	}

	return domain.FetchOutcome{
		Success:    true,
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}

// outboundHeaders picks the allow-listed client headers and sets the
// forwarding and encoding headers. Client header names are matched
// case-insensitively.
func outboundHeaders(client map[string]string, clientIP string) map[string]string {
	lower := make(map[string]string, len(client))
	for k, v := range client {
		lower[strings.ToLower(k)] = v
	}

	out := make(map[string]string, len(ForwardedHeaders)+2)
	for _, name := range ForwardedHeaders {
		if v, ok := lower[name]; ok && v != "" {
			out[http.CanonicalHeaderKey(name)] = v
		}
	}

	if xff := lower["x-forwarded-for"]; xff != "" {
		out["X-Forwarded-For"] = xff
	} else if clientIP != "" {
		out["X-Forwarded-For"] = clientIP
	}

	if strings.EqualFold(strings.TrimSpace(lower["accept-encoding"]), "identity") {
		out["Accept-Encoding"] = "identity"
	} else {
		out["Accept-Encoding"] = supportedEncodings
	}
	return out
}

func isRetryableError(ctx context.Context, err error) bool {
	// The overall deadline is spent; another attempt cannot succeed.
	if ctx.Err() != nil {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	// io.EOF here means the origin hung up before sending a status line.
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func backoffFor(retry int) time.Duration {
	return minDuration(time.Duration(retry)*backoffStep, maxBackoff)
}

func failed(status, attempts int) domain.FetchOutcome {
	return domain.FetchOutcome{
		Success:    false,
		StatusCode: status,
		Headers:    map[string]string{},
		Attempts:   attempts,
	}
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, values := range h {
		if len(values) == 0 {
			continue
		}
		out[strings.ToLower(k)] = strings.Join(values, ", ")
	}
	return out
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
