package server

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
)

// handleStreamFile serves one workdir file with Range support. The filename
// travels in the URL path only; Content-Disposition carries no filename
// parameter because non-ASCII names corrupt under header encoding.
func (s *Server) handleStreamFile(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	name, err := cleanFilename(chi.URLParam(r, "filename"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	workdir, err := s.store.Workdir(convID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	path := filepath.Join(workdir, name)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	w.Header().Set("Content-Disposition", "attachment")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// handleListFiles returns the workdir contents as {files: [{name,size,mtime}]}.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	files, err := s.store.ListFiles(convID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type entry struct {
		Name  string `json:"name"`
		Size  int64  `json:"size"`
		Mtime int64  `json:"mtime"`
	}
	out := make([]entry, 0, len(files))
	for _, f := range files {
		out = append(out, entry{Name: f.Name, Size: f.Size, Mtime: f.MTime})
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": out})
}
