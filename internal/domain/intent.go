package domain

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

const (
	ParamURL       = "url"
	ParamJPEG      = "jpeg"
	ParamGrayscale = "bw"
	ParamQuality   = "l"
)

// relayPrefix matches legacy relay URLs of the form
// http://<relay-host>/bmi/[http(s)://]<target>.
var relayPrefix = regexp.MustCompile(`(?i)^http://[^/?#]+/bmi/(https?://)?`)

// ParseIntent normalizes raw query parameters. A nil map means the request
// carried no parameters at all.
func ParseIntent(query map[string]string) (Intent, error) {
	if query == nil {
		return Intent{}, NewError(KindMissingParameters, "parse_intent", "Missing query parameters")
	}

	rawURL := query[ParamURL]
	if rawURL == "" {
		return Intent{HealthCheck: true}, nil
	}

	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return Intent{RawURL: rawURL}, err
	}

	intent := Intent{
		URL:          normalized,
		RawURL:       rawURL,
		URLHash:      HashURL(normalized),
		PreferModern: true,
		Quality:      DefaultQuality,
		RawJPEG:      query[ParamJPEG],
		RawBW:        query[ParamGrayscale],
	}
	if v, ok := leadingInt(query[ParamJPEG]); ok && v != 0 {
		intent.PreferModern = false
	}
	if v, ok := leadingInt(query[ParamGrayscale]); ok && v != 0 {
		intent.Grayscale = true
	}
	if v, ok := leadingInt(query[ParamQuality]); ok && v != 0 {
		intent.Quality = v
	}
	return intent, nil
}

// NormalizeURL trims the value, unwraps relay-prefixed URLs and requires an
// absolute http(s) URL.
func NormalizeURL(raw string) (string, error) {
	cleaned := relayPrefix.ReplaceAllString(strings.TrimSpace(raw), "http://")

	u, err := url.Parse(cleaned)
	if err != nil {
		return "", WrapError(KindInvalidURL, "normalize_url", "invalid url", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return "", NewError(KindInvalidURL, "normalize_url", "url must be absolute http(s)")
	}
	return cleaned, nil
}

func HashURL(u string) string {
	sum := md5.Sum([]byte(u))
	return hex.EncodeToString(sum[:])
}

// leadingInt parses an optionally signed run of leading decimal digits,
// ignoring anything after them ("12px" is 12). Leading whitespace is skipped.
func leadingInt(s string) (int, bool) {
	s = strings.TrimLeft(s, " \t\n\r\v\f")
	if s == "" {
		return 0, false
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	n, digits := 0, 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		if n < 1<<31 {
			n = n*10 + int(r-'0')
		}
		digits++
	}
	if digits == 0 {
		return 0, false
	}
	if neg {
		n = -n
	}
	return n, true
}
