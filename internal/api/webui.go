package api

import (
	"log"
	"net/http"

	"github.com/meshforge/meshforge-maps/webui"
)

// registerWebUI mounts the embedded map page at the root. When the
// embed is unavailable the API still serves; only the page is gone.
func registerWebUI(mux *http.ServeMux) {
	page, err := webui.IndexHTML()
	if err != nil {
		log.Printf("[api] web UI embed disabled: %v", err)
		mux.Handle("GET /{$}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, http.StatusNotFound, "map page not available")
		}))
		return
	}
	serve := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteHTML(w, http.StatusOK, page)
	})
	mux.Handle("GET /{$}", serve)
	mux.Handle("GET /index.html", serve)

	if distFS, err := webui.DistFS(); err == nil {
		mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(distFS)))
	}
}
