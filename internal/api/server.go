package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/bwproxy/internal/domain"
	"github.com/dunamismax/bwproxy/internal/id"
	"github.com/dunamismax/bwproxy/internal/logging"
	"github.com/dunamismax/bwproxy/internal/proxy"
)

const headerRequestID = "X-Request-Id"

type ProxyHandler interface {
	Handle(ctx context.Context, ev proxy.Event) domain.Response
}

type Options struct {
	// RateLimiter is optional; nil disables per-client limiting.
	RateLimiter RateLimiter
	Tracer      trace.Tracer
	// TrustedProxies are the peers allowed to name the client through
	// X-Forwarded-For. Any other peer is the client.
	TrustedProxies []netip.Prefix
}

type Server struct {
	logger      *logging.Logger
	proxy       ProxyHandler
	rateLimiter RateLimiter
	tracer      trace.Tracer
	trusted     []netip.Prefix
	metrics     *metrics
	mux         *http.ServeMux
}

func NewServer(logger *logging.Logger, handler ProxyHandler, opts Options) *Server {
	if logger == nil {
		logger = logging.Nop()
	}

	s := &Server{
		logger:      logger,
		proxy:       handler,
		rateLimiter: opts.RateLimiter,
		tracer:      opts.Tracer,
		trusted:     opts.TrustedProxies,
		metrics:     newMetrics(),
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withRequestID(s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleProxy)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	query, err := queryParams(r.URL.RawQuery)
	if err != nil {
		s.logger.Debug("query has undecodable parts", map[string]any{"error": err.Error()})
	}
	resp := s.proxy.Handle(r.Context(), proxy.Event{
		Query:    query,
		Headers:  flattenHeaders(r.Header),
		ClientIP: s.clientIP(r),
	})
	s.metrics.observeProxy(resp)
	writeResponse(w, resp)
}

// queryParams keeps the first value of each parameter and is never nil.
// Pairs are split on '&' only, so ';' stays part of a value. A key or value
// that cannot be unescaped is kept as sent and the first such error is
// returned alongside the parsed map.
func queryParams(raw string) (map[string]string, error) {
	out := make(map[string]string)
	var firstErr error
	for raw != "" {
		var pair string
		pair, raw, _ = strings.Cut(raw, "&")
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := unescapeQuery(rawKey)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		value, err := unescapeQuery(rawValue)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if key == "" {
			continue
		}
		if _, seen := out[key]; !seen {
			out[key] = value
		}
	}
	return out, firstErr
}

func unescapeQuery(s string) (string, error) {
	unescaped, err := url.QueryUnescape(s)
	if err != nil {
		return s, err
	}
	return unescaped, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = strings.Join(v, ", ")
		}
	}
	return out
}

// clientIP is the peer address unless the peer is a trusted proxy. Then
// X-Forwarded-For is walked from the right and the first hop that is not
// itself trusted is the client.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !s.isTrusted(peer) {
		return host
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	client := host
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		addr, err := netip.ParseAddr(hop)
		if err != nil {
			break
		}
		client = addr.Unmap().String()
		if !s.isTrusted(addr) {
			break
		}
	}
	return client
}

func (s *Server) isTrusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range s.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func writeResponse(w http.ResponseWriter, resp domain.Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := id.FromRequest(r.Header.Get(headerRequestID))
		w.Header().Set(headerRequestID, requestID)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
