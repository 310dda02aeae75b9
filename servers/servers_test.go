package servers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goceleris/sockd/internal/config"
	"github.com/goceleris/sockd/servers/common"
)

func TestNewHandlerUnknown(t *testing.T) {
	if _, err := NewHandler("nginx", "sockd"); err == nil {
		t.Fatal("expected error for unknown router")
	}
}

func TestRoutes(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		want   string
	}{
		{"simple", http.MethodGet, "/", "", http.StatusOK, "Hello, World!"},
		{"path", http.MethodGet, "/users/42", "", http.StatusOK, "User ID: 42"},
		{"upload", http.MethodPost, "/upload", strings.Repeat("x", 5000), http.StatusOK, "OK 5000"},
		{"stream", http.MethodGet, "/stream/3", "", http.StatusOK, "line 0\nline 1\nline 2\n"},
		{"bad blob", http.MethodGet, "/blob/abc", "", http.StatusBadRequest, ""},
	}

	for _, router := range config.Routers {
		h, err := NewHandler(router, "sockd")
		if err != nil {
			t.Fatalf("NewHandler(%s): %v", router, err)
		}
		for _, tt := range tests {
			t.Run(router+"/"+tt.name, func(t *testing.T) {
				req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
				rec := httptest.NewRecorder()
				h.ServeHTTP(rec, req)

				if rec.Code != tt.status {
					t.Fatalf("status = %d, want %d", rec.Code, tt.status)
				}
				if tt.want != "" && rec.Body.String() != tt.want {
					t.Errorf("body = %q, want %q", rec.Body.String(), tt.want)
				}
			})
		}
	}
}

func TestJSONRoute(t *testing.T) {
	for _, router := range config.Routers {
		t.Run(router, func(t *testing.T) {
			h, err := NewHandler(router, "edge-1")
			if err != nil {
				t.Fatalf("NewHandler: %v", err)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/json", nil))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
				t.Errorf("Content-Type = %q", ct)
			}
			var resp common.JSONResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Message != "Hello, World!" || resp.Server != "edge-1" {
				t.Errorf("got %+v", resp)
			}
		})
	}
}

func TestBlobRoute(t *testing.T) {
	const size = 10000
	for _, router := range config.Routers {
		t.Run(router, func(t *testing.T) {
			h, err := NewHandler(router, "sockd")
			if err != nil {
				t.Fatalf("NewHandler: %v", err)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/blob/10000", nil))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			got := rec.Body.Bytes()
			if len(got) != size {
				t.Fatalf("len = %d, want %d", len(got), size)
			}
			for i, b := range got {
				if b != common.BlobByte(i) {
					t.Fatalf("byte %d = %q, want %q", i, b, common.BlobByte(i))
				}
			}
		})
	}
}
