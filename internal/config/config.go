package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Fetch     FetchConfig
	Log       LogConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
}

type ServerConfig struct {
	Addr string
	// TrustedProxies are the peers whose X-Forwarded-For header is believed
	// when deciding the client address.
	TrustedProxies []netip.Prefix
	// VipsConcurrency is the libvips worker thread count; 0 keeps the
	// library default.
	VipsConcurrency int
}

type FetchConfig struct {
	Timeout      time.Duration
	MaxRetries   int
	MaxBodyBytes int64
}

type LogConfig struct {
	Level   string
	Enabled bool
	Format  string
}

// RateLimitConfig limits requests per client IP. A zero RPS disables it.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

type TracingConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	ServiceName  string
	SampleRatio  float64
}

var defaults = map[string]any{
	"PROXY_ADDR":                  ":8080",
	"PROXY_FETCH_TIMEOUT":         "8.5s",
	"PROXY_FETCH_MAX_RETRIES":     2,
	"PROXY_FETCH_MAX_BODY_BYTES":  32 << 20,
	"LOG_LEVEL":                   "info",
	"LOG_ENABLED":                 true,
	"LOG_FORMAT":                  "json",
	"PROXY_RATE_LIMIT_RPS":        0.0,
	"PROXY_RATE_LIMIT_BURST":      20,
	"OTEL_TRACES_EXPORTER":        "none",
	"OTEL_EXPORTER_OTLP_ENDPOINT": "",
	"OTEL_EXPORTER_OTLP_INSECURE": false,
	"OTEL_SERVICE_NAME":           "bwproxy",
	"OTEL_TRACES_SAMPLER_ARG":     1.0,
	"PROXY_VIPS_CONCURRENCY":      0,
	"PROXY_TRUSTED_PROXIES":       "",
}

// Load reads configuration from the environment, optionally layered over the
// file named by PROXY_CONFIG_FILE. Environment values win.
func Load() (Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString("PROXY_CONFIG_FILE")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	timeout, err := time.ParseDuration(v.GetString("PROXY_FETCH_TIMEOUT"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid PROXY_FETCH_TIMEOUT: %w", err)
	}
	if timeout <= 0 {
		return Config{}, fmt.Errorf("PROXY_FETCH_TIMEOUT must be positive")
	}

	trusted, err := parseTrustedProxies(v.GetString("PROXY_TRUSTED_PROXIES"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Addr:            v.GetString("PROXY_ADDR"),
			TrustedProxies:  trusted,
			VipsConcurrency: v.GetInt("PROXY_VIPS_CONCURRENCY"),
		},
		Fetch: FetchConfig{
			Timeout:      timeout,
			MaxRetries:   v.GetInt("PROXY_FETCH_MAX_RETRIES"),
			MaxBodyBytes: v.GetInt64("PROXY_FETCH_MAX_BODY_BYTES"),
		},
		Log: LogConfig{
			Level:   v.GetString("LOG_LEVEL"),
			Enabled: v.GetBool("LOG_ENABLED"),
			Format:  v.GetString("LOG_FORMAT"),
		},
		RateLimit: RateLimitConfig{
			RPS:   v.GetFloat64("PROXY_RATE_LIMIT_RPS"),
			Burst: v.GetInt("PROXY_RATE_LIMIT_BURST"),
		},
		Tracing: TracingConfig{
			Exporter:     v.GetString("OTEL_TRACES_EXPORTER"),
			OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			OTLPInsecure: v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
			ServiceName:  v.GetString("OTEL_SERVICE_NAME"),
			SampleRatio:  v.GetFloat64("OTEL_TRACES_SAMPLER_ARG"),
		},
	}

	if cfg.Fetch.MaxRetries < 0 {
		return Config{}, fmt.Errorf("PROXY_FETCH_MAX_RETRIES must not be negative")
	}
	if cfg.Fetch.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("PROXY_FETCH_MAX_BODY_BYTES must be positive")
	}
	if cfg.Server.VipsConcurrency < 0 {
		return Config{}, fmt.Errorf("PROXY_VIPS_CONCURRENCY must not be negative")
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		return Config{}, fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be within [0, 1]")
	}
	if cfg.RateLimit.RPS < 0 {
		return Config{}, fmt.Errorf("PROXY_RATE_LIMIT_RPS must not be negative")
	}
	if cfg.RateLimit.RPS > 0 && cfg.RateLimit.Burst <= 0 {
		return Config{}, fmt.Errorf("PROXY_RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	return cfg, nil
}

// parseTrustedProxies reads a comma separated list of addresses and CIDR
// ranges. A bare address trusts that host only.
func parseTrustedProxies(raw string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			prefix, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("invalid PROXY_TRUSTED_PROXIES entry %q: %w", item, err)
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("invalid PROXY_TRUSTED_PROXIES entry %q: %w", item, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
