package conn

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/goceleris/sockd/internal/driver"
)

func mustLine(t *testing.T, raw string) driver.RequestLine {
	t.Helper()
	line, err := driver.ParseRequestLine([]byte(raw))
	if err != nil {
		t.Fatalf("ParseRequestLine(%q): %v", raw, err)
	}
	return line
}

func TestKeepAlive(t *testing.T) {
	tests := []struct {
		name       string
		line       string
		connection []string
		want       bool
	}{
		{"http/1.1 default", "GET / HTTP/1.1", nil, true},
		{"http/1.1 close", "GET / HTTP/1.1", []string{"close"}, false},
		{"http/1.1 close in list", "GET / HTTP/1.1", []string{"Upgrade, Close"}, false},
		{"http/1.0 default", "GET / HTTP/1.0", nil, false},
		{"http/1.0 keep-alive", "GET / HTTP/1.0", []string{"Keep-Alive"}, true},
		{"http/0.9", "GET /", nil, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			for _, v := range tc.connection {
				h.Add("Connection", v)
			}
			if got := keepAlive(mustLine(t, tc.line), h); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestBuildRequest(t *testing.T) {
	var hdr driver.Header
	hdr.Add("Host", "example.com")
	hdr.Add("x-trace", "a")
	hdr.Add("X-Trace", "b")
	hdr.Add("Transfer-Encoding", "chunked")

	body := io.NopCloser(strings.NewReader("abc"))
	req, err := buildRequest(mustLine(t, "POST /upload?x=1 HTTP/1.1"), &hdr, body, 3, "10.0.0.1:5000")
	if err != nil {
		t.Fatalf("buildRequest failed: %v", err)
	}

	if req.Method != http.MethodPost || req.URL.Path != "/upload" || req.URL.RawQuery != "x=1" {
		t.Errorf("unexpected method/url: %s %s", req.Method, req.URL)
	}
	if req.Host != "example.com" {
		t.Errorf("expected host example.com, got %q", req.Host)
	}
	if _, ok := req.Header["Host"]; ok {
		t.Error("Host must be removed from the header map")
	}
	if _, ok := req.Header["Transfer-Encoding"]; ok {
		t.Error("Transfer-Encoding must be removed for decoded bodies")
	}
	if got := req.Header.Values("X-Trace"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected both X-Trace values, got %v", got)
	}
	if req.ProtoMajor != 1 || req.ProtoMinor != 1 || req.Proto != "HTTP/1.1" {
		t.Errorf("unexpected proto %s", req.Proto)
	}
	if req.ContentLength != 3 || req.RemoteAddr != "10.0.0.1:5000" || req.RequestURI != "/upload?x=1" {
		t.Errorf("unexpected request fields: %d %s %s", req.ContentLength, req.RemoteAddr, req.RequestURI)
	}
	if req.Close {
		t.Error("HTTP/1.1 request must not be marked Close")
	}
	b, _ := io.ReadAll(req.Body)
	if string(b) != "abc" {
		t.Errorf("expected body abc, got %q", b)
	}
}

func TestBuildRequestAbsoluteTarget(t *testing.T) {
	var hdr driver.Header
	hdr.Add("Host", "ignored.example")
	req, err := buildRequest(mustLine(t, "GET http://proxy.example/x HTTP/1.0"), &hdr, http.NoBody, 0, "")
	if err != nil {
		t.Fatalf("buildRequest failed: %v", err)
	}
	if req.Host != "proxy.example" {
		t.Errorf("expected host from the target, got %q", req.Host)
	}
	if !req.Close {
		t.Error("HTTP/1.0 request without keep-alive must be marked Close")
	}
}

func TestBuildRequestBadTarget(t *testing.T) {
	var hdr driver.Header
	if _, err := buildRequest(mustLine(t, "GET relative HTTP/1.1"), &hdr, http.NoBody, 0, ""); err == nil {
		t.Error("expected an error for a relative target")
	}
}
