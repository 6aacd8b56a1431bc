package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"blocksync/internal/channel"
	"blocksync/internal/search"
)

type HTTPServer struct {
	service    *Service
	upgrader   *websocket.Upgrader
	wsSettings channel.Settings
	log        zerolog.Logger
}

// NewHTTPServer serves the API and editor websockets. Upgrades are accepted
// only from editorOrigins.
func NewHTTPServer(service *Service, editorOrigins []string, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		upgrader:   channel.Upgrader(channel.NewGate(editorOrigins...)),
		wsSettings: channel.DefaultSettings(),
		log:        log,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/api/ready", s.handleReady)
	r.Route("/api/documents/{id}", func(r chi.Router) {
		r.Get("/history", s.handleHistory)
		r.Get("/saves", s.handleSaves)
		r.Post("/compile", s.handleCompile)
	})
	r.Get("/api/search", s.handleSearch)
	r.Method(http.MethodGet, "/metrics", s.service.Metrics().Handler())
	r.Get("/ws/documents/{id}", s.handleEditorSocket)
	return r
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ping(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.History(r.Context(), chi.URLParam(r, "id"), queryLimit(r, 50))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleSaves(w http.ResponseWriter, r *http.Request) {
	events, err := s.service.SaveEvents(r.Context(), chi.URLParam(r, "id"), queryLimit(r, 50))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(events))
	for _, event := range events {
		items = append(items, map[string]any{
			"id":           event.ID,
			"sessionId":    event.SessionID,
			"tier":         event.Tier,
			"status":       event.Status,
			"baseRevision": event.BaseRevision,
			"newRevision":  event.NewRevision,
			"digest":       event.Digest,
			"error":        event.Error,
			"createdAt":    event.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleCompile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validateDocumentID(id); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	result, err := s.service.Compile(r.Context(), id)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	text := strings.TrimSpace(r.URL.Query().Get("q"))
	if text == "" {
		writeError(w, http.StatusBadRequest, "MISSING_QUERY", "Query parameter q is required", nil)
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), search.Query{
		Text:   text,
		Limit:  queryLimit(r, 20),
		Offset: max(offset, 0),
	}))
}

func (s *HTTPServer) handleEditorSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validateDocumentID(id); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		s.log.Info().Err(err).Str("origin", r.Header.Get("Origin")).Msg("websocket upgrade refused")
		return
	}
	conn := channel.NewConn(ws, r.Header.Get("Origin"), s.wsSettings, s.log)
	if err := s.service.ServeEditor(r.Context(), id, r.URL.Query().Get("author"), conn); err != nil {
		s.log.Warn().Err(err).Str("document_id", id).Msg("editor connection ended with error")
	}
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		started := time.Now()
		writer := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.Status()).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

func queryLimit(r *http.Request, fallback int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return fallback
	}
	return min(limit, 200)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}
