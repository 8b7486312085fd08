// Package api exposes the HTTP management surface: CRUD for trackers, pairs
// and user mappings, manual sync triggers, and read-only views over logs,
// conflicts, mappings and dashboard aggregates.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/danielolaszy/issuebridge/internal/config"
	"github.com/danielolaszy/issuebridge/internal/logging"
	"github.com/danielolaszy/issuebridge/internal/store"
	"github.com/danielolaszy/issuebridge/pkg/models"
)

// Syncer is the engine surface the API drives. Satisfied by *engine.Engine.
type Syncer interface {
	Reconcile(ctx context.Context, pairID uint) (models.SyncStats, error)
	RepairMappings(ctx context.Context, pairID uint) (models.RepairStats, error)
}

// PairScheduler reschedules jobs when pair configuration changes. Satisfied
// by *scheduler.Scheduler; nil disables rescheduling (one-shot CLI mode).
type PairScheduler interface {
	SchedulePair(pair store.Pair) error
	UnschedulePair(pairID uint)
}

// Server wires the HTTP handlers to the store and the engine.
type Server struct {
	store     *store.Store
	syncer    Syncer
	scheduler PairScheduler
	auth      config.AuthConfig
}

// NewServer creates a Server. scheduler may be nil.
func NewServer(st *store.Store, syncer Syncer, sched PairScheduler, auth config.AuthConfig) *Server {
	return &Server{store: st, syncer: syncer, scheduler: sched, auth: auth}
}

// Router builds the chi route tree. Everything under /api sits behind basic
// auth when enabled; /health stays open for liveness probes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		if s.auth.Enabled {
			r.Use(s.basicAuth)
		}

		r.Route("/trackers", func(r chi.Router) {
			r.Get("/", s.handleListTrackers)
			r.Post("/", s.handleCreateTracker)
			r.Get("/{id}", s.handleGetTracker)
			r.Put("/{id}", s.handleUpdateTracker)
			r.Delete("/{id}", s.handleDeleteTracker)
		})

		r.Route("/pairs", func(r chi.Router) {
			r.Get("/", s.handleListPairs)
			r.Post("/", s.handleCreatePair)
			r.Get("/{id}", s.handleGetPair)
			r.Put("/{id}", s.handleUpdatePair)
			r.Delete("/{id}", s.handleDeletePair)
		})

		r.Route("/user-mappings", func(r chi.Router) {
			r.Get("/", s.handleListUserMappings)
			r.Post("/", s.handleCreateUserMapping)
			r.Delete("/{id}", s.handleDeleteUserMapping)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Post("/{pairID}/trigger", s.handleTriggerSync)
			r.Post("/{pairID}/repair-mappings", s.handleRepairMappings)
			r.Get("/logs", s.handleListLogs)
			r.Get("/conflicts", s.handleListConflicts)
			r.Post("/conflicts/{id}/resolve", s.handleResolveConflict)
			r.Get("/mappings", s.handleListMappings)
		})

		r.Route("/dashboard", func(r chi.Router) {
			r.Get("/stats", s.handleDashboardStats)
			r.Get("/activity", s.handleDashboardActivity)
		})
	})

	return r
}

// basicAuth enforces HTTP basic credentials with constant-time comparison.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.auth.Username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.auth.Password)) == 1
		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="issuebridge"`)
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondJSON writes a JSON response body with the given status.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to encode response", "error", err)
	}
}

// respondError writes the JSON error envelope.
func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// decodeBody parses a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
