package upstream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

const supportedEncodings = "gzip, deflate, zstd"

// decodeBody reverses the upstream Content-Encoding. The boolean result is
// false when the encoding is absent or unknown, in which case raw is passed
// through untouched.
func decodeBody(encoding string, raw []byte, limit int64) ([]byte, bool, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, false, err
		}
		defer zr.Close()
		out, err := readLimited(zr, limit)
		return out, err == nil, err
	case "deflate":
		out, err := inflate(raw, limit)
		return out, err == nil, err
	case "zstd":
		dec, err := zstd.NewReader(bytes.NewReader(raw), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, false, err
		}
		defer dec.Close()
		out, err := readLimited(dec, limit)
		return out, err == nil, err
	default:
		return nil, false, nil
	}
}

// inflate accepts both zlib-wrapped and raw deflate streams; servers send
// either under "deflate".
func inflate(raw []byte, limit int64) ([]byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	if header, err := br.Peek(2); err == nil && isZlibHeader(header) {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return readLimited(zr, limit)
	}

	fr := flate.NewReader(br)
	defer fr.Close()
	return readLimited(fr, limit)
}

func isZlibHeader(b []byte) bool {
	return b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("decoded body exceeds %d bytes", limit)
	}
	return out, nil
}
