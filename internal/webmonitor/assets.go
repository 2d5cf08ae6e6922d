package webmonitor

import (
	"net/http"
	"os"
	"path/filepath"
)

// assetHandler serves files by base name from the first directory that has
// them.
type assetHandler struct {
	dirs []string
}

func newAssetHandler(dirs ...string) *assetHandler {
	return &assetHandler{dirs: dirs}
}

func (h *assetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(r.URL.Path)
	if filename == "." || filename == "/" {
		http.NotFound(w, r)
		return
	}
	for _, dir := range h.dirs {
		path := filepath.Join(dir, filename)
		if fileExists(path) {
			http.ServeFile(w, r, path)
			return
		}
	}
	http.NotFound(w, r)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
