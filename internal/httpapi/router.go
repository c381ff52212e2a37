// Package httpapi exposes the sync push/pull contract and a small task REST
// surface over HTTP, so a taskmeshd instance can serve as the shared remote
// for a set of devices.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/taskmesh/taskmesh/internal/auth"
	"github.com/taskmesh/taskmesh/internal/service"
	"github.com/taskmesh/taskmesh/internal/storage"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	Store     *storage.Store
	Svc       *service.Service
	BatchSize int // max entries per pull response; 0 = default
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// parseLimit parses a limit query param with default and max.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes creates the HTTP router with all sync and task endpoints.
func (s *Server) Routes(jwtCfg auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwtCfg))

		r.Post("/v1/oplog/push", s.handlePush)
		r.Get("/v1/oplog/pull", s.handlePull)

		r.Get("/v1/tasks", s.handleListTasks)
		r.Post("/v1/tasks", s.handleCreateTask)
		r.Get("/v1/tasks/{id}", s.handleGetTask)
		r.Patch("/v1/tasks/{id}", s.handleUpdateTask)
		r.Delete("/v1/tasks/{id}", s.handleDeleteTask)
		r.Post("/v1/tasks/{id}/notes", s.handleAddNote)
		r.Put("/v1/tasks/{id}/notes", s.handleReplaceNotes)
		r.Delete("/v1/tasks/{id}/notes", s.handleClearNotes)
	})

	return r
}
