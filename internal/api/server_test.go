package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/bwproxy/internal/domain"
	"github.com/dunamismax/bwproxy/internal/logging"
	"github.com/dunamismax/bwproxy/internal/proxy"
	"github.com/dunamismax/bwproxy/internal/ratelimit"
)

type stubProxy struct {
	resp   domain.Response
	events []proxy.Event
}

func (p *stubProxy) Handle(_ context.Context, ev proxy.Event) domain.Response {
	p.events = append(p.events, ev)
	return p.resp
}

func compressedResponse() domain.Response {
	return domain.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("avif-bytes"),
		Binary:     true,
		Headers: map[string]string{
			"content-type":                "image/avif",
			"content-length":              "10",
			"cache-control":               "private, no-store, no-cache, must-revalidate, max-age=0",
			proxy.HeaderCompressionStatus: "compressed",
			proxy.HeaderBytesSaved:        "4096",
		},
	}
}

func TestProxyRouteWritesAssembledResponse(t *testing.T) {
	stub := &stubProxy{resp: compressedResponse()}
	loopback := []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8"), netip.MustParsePrefix("::1/128")}
	srv := httptest.NewServer(NewServer(logging.Nop(), stub, Options{TrustedProxies: loopback}).Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/?url=http://origin.example/a.jpg&bw=1&l=30", nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "Bandwidth-Hero")
	req.Header.Set("X-Forwarded-For", "198.51.100.7")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "avif-bytes", string(body))
	assert.Equal(t, "image/avif", resp.Header.Get("Content-Type"))
	assert.Equal(t, "compressed", resp.Header.Get("X-Compression-Status"))
	assert.NotEmpty(t, resp.Header.Get(headerRequestID))

	require.Len(t, stub.events, 1)
	ev := stub.events[0]
	assert.Equal(t, "http://origin.example/a.jpg", ev.Query["url"])
	assert.Equal(t, "1", ev.Query["bw"])
	assert.Equal(t, "30", ev.Query["l"])
	assert.Equal(t, "Bandwidth-Hero", ev.Headers["user-agent"])
	assert.Equal(t, "198.51.100.7", ev.ClientIP)
}

func TestProxyRouteQueryShapes(t *testing.T) {
	stub := &stubProxy{resp: domain.Response{StatusCode: http.StatusOK, Headers: map[string]string{}}}
	handler := NewServer(logging.Nop(), stub, Options{}).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Len(t, stub.events, 1)
	assert.NotNil(t, stub.events[0].Query)
	assert.Empty(t, stub.events[0].Query)

	tests := []struct {
		name   string
		target string
		want   map[string]string
	}{
		{"semicolon stays in value", "/?url=http://origin.example/a.jpg;v=2&l=40",
			map[string]string{"url": "http://origin.example/a.jpg;v=2", "l": "40"}},
		{"bad escape elsewhere", "/?url=http%3A%2F%2Forigin.example%2Fa.jpg&x=%zz",
			map[string]string{"url": "http://origin.example/a.jpg", "x": "%zz"}},
		{"bad escape kept raw", "/?url=%zz", map[string]string{"url": "%zz"}},
		{"first value wins", "/?url=http://a.example/1.png&url=http://b.example/2.png&bw",
			map[string]string{"url": "http://a.example/1.png", "bw": ""}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stub.events = nil
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tc.target, nil))
			require.Len(t, stub.events, 1)
			assert.Equal(t, tc.want, stub.events[0].Query)
		})
	}
}

func TestQueryParamsReportsUndecodableParts(t *testing.T) {
	got, err := queryParams("url=http://origin.example/a.jpg&q=%G1")
	assert.Error(t, err)
	assert.Equal(t, map[string]string{"url": "http://origin.example/a.jpg", "q": "%G1"}, got)

	got, err = queryParams("")
	assert.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRequestIDIsReused(t *testing.T) {
	stub := &stubProxy{resp: domain.Response{StatusCode: http.StatusOK, Headers: map[string]string{}}}
	handler := NewServer(logging.Nop(), stub, Options{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(headerRequestID, "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get(headerRequestID))
}

func TestHealthzAndMetrics(t *testing.T) {
	stub := &stubProxy{resp: compressedResponse()}
	handler := NewServer(logging.Nop(), stub, Options{}).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/?url=http://origin.example/a.jpg", nil))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	text := rec.Body.String()
	assert.Contains(t, text, `bwproxy_proxy_outcomes_total{outcome="compressed"} 1`)
	assert.Contains(t, text, "bwproxy_bytes_saved_total 4096")
	assert.Contains(t, text, `bwproxy_http_requests_total{method="GET",route="/healthz",status="200"} 1`)
}

func TestRateLimitRejectsAfterBurst(t *testing.T) {
	limiter, err := ratelimit.NewTokenBucket(0.5, 1)
	require.NoError(t, err)

	stub := &stubProxy{resp: domain.Response{StatusCode: http.StatusOK, Headers: map[string]string{}}}
	handler := NewServer(logging.Nop(), stub, Options{RateLimiter: limiter}).Handler()

	newReq := func(ip string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/?url=http://origin.example/a.jpg", nil)
		req.RemoteAddr = ip + ":40000"
		return req
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newReq("192.0.2.1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, newReq("192.0.2.1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))
	assert.Equal(t, "0", rec.Header().Get("Expires"))
	assert.Equal(t, "identity", rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "url, jpeg, grayscale, quality", rec.Header().Get("Vary"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"Rate limit exceeded"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, newReq("192.0.2.2"))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health and metrics are never limited.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "192.0.2.1:40000"
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Len(t, stub.events, 2)
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	limiter, err := ratelimit.NewTokenBucket(0.001, 1)
	require.NoError(t, err)

	stub := &stubProxy{resp: domain.Response{StatusCode: http.StatusOK, Headers: map[string]string{}}}
	handler := NewServer(logging.Nop(), stub, Options{RateLimiter: limiter}).Handler()

	codes := make([]int, 0, 3)
	for _, forwarded := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.3"} {
		req := httptest.NewRequest(http.MethodGet, "/?url=http://origin.example/a.jpg", nil)
		req.RemoteAddr = "192.0.2.50:40000"
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
	assert.Len(t, stub.events, 1)
}

func TestClientIP(t *testing.T) {
	srv := NewServer(logging.Nop(), &stubProxy{}, Options{TrustedProxies: []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("2001:db8:ffff::/48"),
	}})

	tests := []struct {
		name       string
		xff        []string
		remoteAddr string
		want       string
	}{
		{"untrusted peer ignores forwarded", []string{"203.0.113.5"}, "192.0.2.9:5555", "192.0.2.9"},
		{"peer address", nil, "192.0.2.9:5555", "192.0.2.9"},
		{"ipv6 peer", nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"trusted peer without forwarded", nil, "10.0.0.2:1234", "10.0.0.2"},
		{"trusted peer names client", []string{"203.0.113.5"}, "10.0.0.2:1234", "203.0.113.5"},
		{"spoofed leftmost hop", []string{"1.2.3.4, 203.0.113.5"}, "10.0.0.2:1234", "203.0.113.5"},
		{"trusted chain skipped", []string{"203.0.113.5, 10.9.9.9"}, "10.0.0.2:1234", "203.0.113.5"},
		{"repeated headers joined", []string{"198.51.100.1", "203.0.113.5, 10.1.1.1"}, "10.0.0.2:1234", "203.0.113.5"},
		{"all hops trusted", []string{"10.3.3.3, 10.4.4.4"}, "10.0.0.2:1234", "10.3.3.3"},
		{"garbage hop stops walk", []string{"evil, 10.4.4.4"}, "10.0.0.2:1234", "10.4.4.4"},
		{"blank hops skipped", []string{" , 203.0.113.5 ,"}, "10.0.0.2:1234", "203.0.113.5"},
		{"trusted ipv6 peer", []string{"2001:db8::7"}, "[2001:db8:ffff::1]:443", "2001:db8::7"},
		{"mapped ipv4 peer", []string{"203.0.113.5"}, "[::ffff:10.0.0.2]:80", "203.0.113.5"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			for _, v := range tc.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tc.want, srv.clientIP(req))
		})
	}
}

func TestProxyOutcome(t *testing.T) {
	assert.Equal(t, "bypass_already_small", proxyOutcome(domain.Response{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{proxy.HeaderBypassReason: "already_small"},
	}))
	assert.Equal(t, "server_error", proxyOutcome(domain.Response{StatusCode: http.StatusBadGateway}))
	assert.Equal(t, "client_error", proxyOutcome(domain.Response{StatusCode: http.StatusBadRequest}))
	assert.Equal(t, "health_check", proxyOutcome(domain.Response{StatusCode: http.StatusOK}))
	assert.Equal(t, "compressed", proxyOutcome(compressedResponse()))
}
