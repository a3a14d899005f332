package chatserver

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.broker.UpgradeHandler())
	r.Method(http.MethodGet, "/widget.js", s.script)
	r.Get("/files/{fileID}", s.handleFile)
	r.Get("/api/chats", s.handleChats)
	r.Get("/healthz", s.handleHealth)
	return r
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	att, data, ok := s.hub.File(chi.URLParam(r, "fileID"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", att.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Name}))
	w.Write(data)
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	includeEnded, _ := strconv.ParseBool(r.URL.Query().Get("include_ended"))
	writeJSON(w, http.StatusOK, map[string]any{"chats": s.hub.ListChats(includeEnded)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.broker.ClientCount(),
		"hub":     s.hub.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
