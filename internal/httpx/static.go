package httpx

import (
	"net/http"
	"path"
	"strings"
)

// staticHandler serves embedded/static assets under /static/.
func (h *Handler) staticHandler() http.Handler {
	fs := h.Assets
	files := http.FileServer(fs)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prevent directory listings and template downloads; require a file with
		// a known asset extension.
		if strings.HasSuffix(r.URL.Path, "/") || !servableAsset(r.URL.Path) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=300")
		files.ServeHTTP(w, r)
	})
}

func servableAsset(p string) bool {
	switch path.Ext(p) {
	case ".css", ".js", ".png", ".svg", ".ico", ".woff2":
		return true
	}
	return false
}
