// Package common holds the response helpers shared by every router.
package common

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// MaxBlobSize bounds the size of generated /blob responses.
const MaxBlobSize = 64 << 20

// JSONResponse is the standard JSON response for the /json endpoint.
type JSONResponse struct {
	Message string `json:"message"`
	Server  string `json:"server"`
}

// WriteSimple writes a simple "Hello, World!" response.
func WriteSimple(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Hello, World!"))
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, server string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(JSONResponse{
		Message: "Hello, World!",
		Server:  server,
	})
}

// WritePath writes a response with the extracted path parameter.
func WritePath(w http.ResponseWriter, id string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("User ID: " + id))
}

// WriteUpload consumes the request body and reports its size.
func WriteUpload(w http.ResponseWriter, r *http.Request) {
	n, err := io.Copy(io.Discard, r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "OK %d", n)
}

// BlobByte returns byte i of every generated blob, so clients can verify
// large responses without storing them.
func BlobByte(i int) byte {
	return "0123456789abcdef"[i%16]
}

// WriteBlob writes size generated bytes, typically enough to go through
// the writer threads.
func WriteBlob(w http.ResponseWriter, size string) {
	n, err := strconv.Atoi(size)
	if err != nil || n < 0 || n > MaxBlobSize {
		http.Error(w, "invalid size", http.StatusBadRequest)
		return
	}
	block := make([]byte, 4096)
	for i := range block {
		block[i] = BlobByte(i)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
	for n > 0 {
		k := min(n, len(block))
		if _, err := w.Write(block[:k]); err != nil {
			return
		}
		n -= k
	}
}

// WriteStream writes count lines, flushing after each one.
func WriteStream(w http.ResponseWriter, count string) {
	n, err := strconv.Atoi(count)
	if err != nil || n < 0 || n > 10000 {
		http.Error(w, "invalid count", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for i := 0; i < n; i++ {
		if _, err := fmt.Fprintf(w, "line %d\n", i); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
