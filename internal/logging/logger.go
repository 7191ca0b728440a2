// Package logging is the structured event logger shared by the proxy
// components. It is built once at startup from the log level and enabled
// flags and passed to every collaborator that reports events.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/dunamismax/bwproxy/internal/domain"
)

const (
	urlLogLength       = 20
	userAgentLogLength = 100
)

type Config struct {
	Level   string
	Enabled bool
	Format  string
}

type Logger struct {
	z zerolog.Logger
}

func New(cfg Config, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level := ParseLevel(cfg.Level)
	if !cfg.Enabled {
		level = zerolog.Disabled
	}

	return &Logger{
		z: zerolog.New(out).Level(level).With().Timestamp().Logger(),
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{z: zerolog.Nop()}
}

func ParseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "error":
		return zerolog.ErrorLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}

// Zerolog exposes the underlying logger for components that log outside the
// request pipeline (server lifecycle, middleware).
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.z
}

func (l *Logger) Error(msg string, fields map[string]any) {
	l.z.Error().Fields(fields).Msg(msg)
}

func (l *Logger) Warn(msg string, fields map[string]any) {
	l.z.Warn().Fields(fields).Msg(msg)
}

func (l *Logger) Info(msg string, fields map[string]any) {
	l.z.Info().Fields(fields).Msg(msg)
}

func (l *Logger) Debug(msg string, fields map[string]any) {
	l.z.Debug().Fields(fields).Msg(msg)
}

func (l *Logger) Request(ev domain.RequestEvent) {
	referer := ev.Referer
	if referer == "" {
		referer = "Direct"
	}

	l.z.Debug().
		Str("url", truncate(ev.URL, urlLogLength)).
		Dict("client", zerolog.Dict().
			Str("ip", orUnknown(ev.ClientIP)).
			Str("user_agent", orUnknown(truncate(ev.UserAgent, userAgentLogLength))).
			Str("referer", referer)).
		Dict("compression_options", zerolog.Dict().
			Bool("force_jpeg", ev.JPEG != "").
			Bool("grayscale", ev.BW != "").
			Int("quality", ev.Quality)).
		Str("content_type", orUnknown(ev.ContentType)).
		Msg("request received")
}

func (l *Logger) UpstreamFetch(ev domain.UpstreamFetchEvent) {
	e := l.z.Info()
	msg := "upstream fetch ok"
	if !ev.Success {
		e = l.z.Warn()
		msg = "upstream fetch failed"
	}

	e = e.Str("url", truncate(ev.URL, urlLogLength)).
		Dur("elapsed", ev.Elapsed).
		Int("attempts", ev.Attempts)
	if ev.StatusCode > 0 {
		e = e.Int("status", ev.StatusCode)
	} else {
		e = e.Str("status", "unknown")
	}
	if ev.Err != nil {
		e = e.Err(ev.Err)
	}
	e.Msg(msg)
}

func (l *Logger) Bypass(ev domain.BypassEvent) {
	l.z.Info().
		Str("url", truncate(ev.URL, urlLogLength)).
		Str("size", FormatBytes(ev.Size)).
		Str("reason", string(ev.Reason)).
		Msg("bypassing")
}

func (l *Logger) Compression(ev domain.CompressionEvent) {
	if ev.Err != nil {
		l.z.Warn().
			Str("url", truncate(ev.URL, urlLogLength)).
			Str("original_size", FormatBytes(ev.OriginalSize)).
			Dur("elapsed", ev.Elapsed).
			Err(ev.Err).
			Msg("compression failed")
		return
	}

	l.z.Info().
		Str("url", truncate(ev.URL, urlLogLength)).
		Str("savings", FormatBytes(ev.BytesSaved)).
		Str("percent", savingsPercent(ev.OriginalSize, ev.CompressedSize)).
		Int("quality", ev.Quality).
		Str("format", orUnknown(string(ev.Format))).
		Str("status", string(ev.Status)).
		Dur("elapsed", ev.Elapsed).
		Msg("image compressed")
}

// FormatBytes renders a byte count in IEC units; zero and negative values
// render as "0 B".
func FormatBytes(n int) string {
	if n <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(n))
}

func savingsPercent(original, compressed int) string {
	if original <= 0 || compressed <= 0 {
		return "unknown"
	}
	return fmt.Sprintf("%.1f%%", float64(original-compressed)/float64(original)*100)
}

// truncate shortens s to at most max bytes, ending in "..." and never
// splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
