package conn

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"golang.org/x/net/http/httpguts"

	"github.com/goceleris/sockd/internal/driver"
)

// badMethod marks requests the driver could not map to a virtual server.
const badMethod = "BAD"

var errUnmappedHost = errors.New("request host could not be mapped to a server")

// newRequest builds the http.Request for the parsed request on s. A body
// spooled to a named upload file is opened from disk.
func newRequest(s *driver.Sock) (*http.Request, error) {
	r := s.Request()
	line := r.Line()
	if line.Method == badMethod {
		return nil, errUnmappedHost
	}

	var body io.ReadCloser = http.NoBody
	if path := s.SpoolPath(); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open upload %s: %w", path, err)
		}
		body = f
	} else if b := r.Body(); len(b) > 0 {
		body = io.NopCloser(bytes.NewReader(b))
	}

	req, err := buildRequest(line, r.Header(), body, int64(r.Length()), s.Peer())
	if err != nil {
		_ = body.Close()
		return nil, err
	}
	return req, nil
}

func buildRequest(line driver.RequestLine, hdr *driver.Header, body io.ReadCloser, length int64, peer string) (*http.Request, error) {
	u, err := url.ParseRequestURI(line.Target)
	if err != nil {
		return nil, fmt.Errorf("request target %q: %w", line.Target, err)
	}

	h := make(http.Header, hdr.Len())
	for _, f := range hdr.Fields() {
		h.Add(f.Name, f.Value)
	}
	host := h.Get("Host")
	if u.Host != "" {
		host = u.Host
	}
	h.Del("Host")
	// Chunked bodies arrive decoded.
	if line.Major == 1 && line.Minor >= 1 {
		h.Del("Transfer-Encoding")
	}

	return &http.Request{
		Method:        line.Method,
		URL:           u,
		Proto:         line.Proto(),
		ProtoMajor:    line.Major,
		ProtoMinor:    line.Minor,
		Header:        h,
		Body:          body,
		ContentLength: length,
		Host:          host,
		RemoteAddr:    peer,
		RequestURI:    line.Target,
		Close:         !keepAlive(line, h),
	}, nil
}

// keepAlive reports whether the client allows the connection to be reused.
func keepAlive(line driver.RequestLine, h http.Header) bool {
	conn := h["Connection"]
	switch {
	case line.Major == 1 && line.Minor >= 1:
		return !httpguts.HeaderValuesContainsToken(conn, "close")
	case line.Major == 1:
		return httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	}
	return false
}
