// Package chi provides the application routes on the Chi router.
package chi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/goceleris/sockd/servers/common"
)

// NewHandler returns the routes on a Chi router.
func NewHandler(name string) http.Handler {
	router := chi.NewRouter()

	// Simple: plain text response
	router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		common.WriteSimple(w)
	})

	router.Get("/json", func(w http.ResponseWriter, r *http.Request) {
		common.WriteJSON(w, name)
	})

	// Path parameter extraction
	router.Get("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		common.WritePath(w, chi.URLParam(r, "id"))
	})

	// Bodies above the read-ahead size arrive spooled
	router.Post("/upload", common.WriteUpload)

	router.Get("/blob/{size}", func(w http.ResponseWriter, r *http.Request) {
		common.WriteBlob(w, chi.URLParam(r, "size"))
	})

	router.Get("/stream/{count}", func(w http.ResponseWriter, r *http.Request) {
		common.WriteStream(w, chi.URLParam(r, "count"))
	})

	return router
}
