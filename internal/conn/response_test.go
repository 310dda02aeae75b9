package conn

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBodyAllowedForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{100, false},
		{103, false},
		{200, true},
		{204, false},
		{304, false},
		{404, true},
	}
	for _, tc := range tests {
		if got := bodyAllowedForStatus(tc.status); got != tc.want {
			t.Errorf("bodyAllowedForStatus(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestFrame(t *testing.T) {
	w := &response{chunked: true}
	got := bytes.Join(w.frame([]byte("hello world, chunk")), nil)
	if string(got) != "12\r\nhello world, chunk\r\n" {
		t.Errorf("unexpected chunk %q", got)
	}
	if w.frame(nil) != nil {
		t.Error("empty writes must not produce a terminating chunk")
	}

	w.chunked = false
	if got := w.frame([]byte("raw")); len(got) != 1 || string(got[0]) != "raw" {
		t.Errorf("unexpected raw frame %q", got)
	}
}

func TestHeaderBytes(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		status   int
		keep     bool
		chunked  bool
		length   int64
		set      map[string]string
		wantLine string
		want     map[string]string
		absent   []string
	}{
		{
			name: "http/1.1 keep-alive", line: "GET / HTTP/1.1", status: 200, keep: true, length: 5,
			wantLine: "HTTP/1.1 200 OK",
			want:     map[string]string{"Content-Length": "5", "Server": "sockd"},
			absent:   []string{"Connection"},
		},
		{
			name: "http/1.0 keep-alive", line: "GET / HTTP/1.0", status: 200, keep: true, length: 0,
			wantLine: "HTTP/1.0 200 OK",
			want:     map[string]string{"Connection": "keep-alive", "Content-Length": "0"},
		},
		{
			name: "close", line: "GET / HTTP/1.1", status: 404, keep: false, length: 3,
			wantLine: "HTTP/1.1 404 Not Found",
			want:     map[string]string{"Connection": "close"},
		},
		{
			name: "chunked", line: "GET / HTTP/1.1", status: 200, keep: true, chunked: true, length: -1,
			set:      map[string]string{"Content-Length": "99"},
			wantLine: "HTTP/1.1 200 OK",
			want:     map[string]string{"Transfer-Encoding": "chunked"},
			absent:   []string{"Content-Length"},
		},
		{
			name: "no content", line: "GET / HTTP/1.1", status: 204, keep: true, length: 0,
			wantLine: "HTTP/1.1 204 No Content",
			absent:   []string{"Content-Length", "Transfer-Encoding"},
		},
		{
			name: "handler closes", line: "GET / HTTP/1.1", status: 200, keep: true, length: 1,
			set:      map[string]string{"Connection": "close", "Server": "custom"},
			wantLine: "HTTP/1.1 200 OK",
			want:     map[string]string{"Connection": "close", "Server": "custom"},
		},
		{
			name: "unknown status", line: "GET / HTTP/1.1", status: 599, keep: true, length: 0,
			wantLine: "HTTP/1.1 599 status code 599",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := &response{
				p:       testPool(nil),
				line:    mustLine(t, tc.line),
				header:  http.Header{},
				status:  tc.status,
				keep:    tc.keep,
				chunked: tc.chunked,
			}
			for k, v := range tc.set {
				w.header.Set(k, v)
			}

			raw := w.headerBytes(tc.length)
			if !bytes.HasSuffix(raw, []byte("\r\n\r\n")) {
				t.Fatalf("header block not terminated: %q", raw)
			}
			br := bufio.NewReader(bytes.NewReader(raw))
			status, _ := br.ReadString('\n')
			if got := strings.TrimRight(status, "\r\n"); got != tc.wantLine {
				t.Errorf("expected status line %q, got %q", tc.wantLine, got)
			}
			parsed, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
			if err != nil {
				t.Fatalf("ReadResponse: %v", err)
			}
			for k, v := range tc.want {
				if k == "Transfer-Encoding" {
					if len(parsed.TransferEncoding) != 1 || parsed.TransferEncoding[0] != v {
						t.Errorf("expected Transfer-Encoding %q, got %v", v, parsed.TransferEncoding)
					}
					continue
				}
				if got := w.header.Get(k); got != v {
					t.Errorf("expected %s %q, got %q", k, v, got)
				}
			}
			for _, k := range tc.absent {
				if _, ok := w.header[k]; ok {
					t.Errorf("expected no %s header, got %q", k, w.header.Get(k))
				}
			}
			if w.header.Get("Date") == "" {
				t.Error("expected a Date header")
			}
		})
	}
}

// fileCapture records what fileSource finds in the reader io.Copy hands to
// ReadFrom.
type fileCapture struct {
	file  *os.File
	limit int64
	found bool
}

func (c *fileCapture) Write(p []byte) (int, error) { return len(p), nil }

func (c *fileCapture) ReadFrom(r io.Reader) (int64, error) {
	c.file, c.limit, c.found = fileSource(r)
	return io.Copy(io.Discard, r)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(path, bytes.Repeat([]byte("x"), 100), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	tests := []struct {
		name      string
		copyFn    func(dst io.Writer, f *os.File) error
		wantFound bool
		wantLimit int64
	}{
		{"copy", func(dst io.Writer, f *os.File) error {
			_, err := io.Copy(dst, f)
			return err
		}, true, math.MaxInt64},
		{"copy n", func(dst io.Writer, f *os.File) error {
			_, err := io.CopyN(dst, f, 40)
			return err
		}, true, 40},
		{"section reader", func(dst io.Writer, f *os.File) error {
			_, err := io.Copy(dst, io.NewSectionReader(f, 0, 10))
			return err
		}, false, 0},
		{"plain reader", func(dst io.Writer, f *os.File) error {
			_, err := io.Copy(dst, struct{ io.Reader }{f})
			return err
		}, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := os.Open(path)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer func() { _ = f.Close() }()

			c := &fileCapture{}
			if err := tt.copyFn(c, f); err != nil {
				t.Fatalf("copy: %v", err)
			}
			if c.found != tt.wantFound {
				t.Fatalf("found = %v, want %v", c.found, tt.wantFound)
			}
			if !tt.wantFound {
				return
			}
			if c.file != f {
				t.Errorf("unwrapped a different file")
			}
			if c.limit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", c.limit, tt.wantLimit)
			}
		})
	}
}
