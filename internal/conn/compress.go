package conn

import (
	"bytes"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

var compressibleTypes = []string{
	"application/javascript",
	"application/json",
	"application/xml",
	"application/xhtml+xml",
	"image/svg+xml",
}

func compressible(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	for _, t := range compressibleTypes {
		if mt == t {
			return true
		}
	}
	return false
}

// compress encodes body with brotli or gzip when the client accepts it and
// the response qualifies. h gets Content-Encoding and Vary on success.
func (p *Pool) compress(h http.Header, status int, body []byte, gz, br bool) []byte {
	if !p.cfg.Compress || len(body) == 0 || len(body) < p.cfg.CompressMinSize {
		return body
	}
	if status != http.StatusOK || h.Get("Content-Encoding") != "" || !compressible(h.Get("Content-Type")) {
		return body
	}
	var enc string
	switch {
	case br:
		enc = "br"
	case gz:
		enc = "gzip"
	default:
		return body
	}

	out, err := encode(enc, body, p.cfg.CompressLevel)
	if err != nil {
		p.log.Warn("compression failed", "encoding", enc, "error", err)
		return body
	}
	if len(out) >= len(body) {
		return body
	}
	h.Set("Content-Encoding", enc)
	h.Add("Vary", "Accept-Encoding")
	p.compressed.Add(1)
	return out
}

func encode(enc string, body []byte, level int) ([]byte, error) {
	var out bytes.Buffer
	switch enc {
	case "br":
		bw := brotli.NewWriterLevel(&out, min(max(level, brotli.BestSpeed), brotli.BestCompression))
		if _, err := bw.Write(body); err != nil {
			return nil, err
		}
		if err := bw.Close(); err != nil {
			return nil, err
		}
	case "gzip":
		gw, err := gzip.NewWriterLevel(&out, min(max(level, gzip.BestSpeed), gzip.BestCompression))
		if err != nil {
			return nil, err
		}
		if _, err := gw.Write(body); err != nil {
			return nil, err
		}
		if err := gw.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
	return out.Bytes(), nil
}
