// Package stdhttp provides the application routes on Go's standard library
// mux.
package stdhttp

import (
	"net/http"

	"github.com/goceleris/sockd/servers/common"
)

// NewHandler returns the routes on an http.ServeMux.
func NewHandler(name string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		common.WriteSimple(w)
	})

	mux.HandleFunc("GET /json", func(w http.ResponseWriter, r *http.Request) {
		common.WriteJSON(w, name)
	})

	mux.HandleFunc("GET /users/{id}", func(w http.ResponseWriter, r *http.Request) {
		common.WritePath(w, r.PathValue("id"))
	})

	mux.HandleFunc("POST /upload", common.WriteUpload)

	mux.HandleFunc("GET /blob/{size}", func(w http.ResponseWriter, r *http.Request) {
		common.WriteBlob(w, r.PathValue("size"))
	})

	mux.HandleFunc("GET /stream/{count}", func(w http.ResponseWriter, r *http.Request) {
		common.WriteStream(w, r.PathValue("count"))
	})

	return mux
}
