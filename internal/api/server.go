// Package api is the thin JSON-over-HTTP surface in front of the kernel.
// Handlers validate, call one kernel operation and map errors to the
// status-code contract: 400 validation/analysis-blocked, no available
// provider or exhausted container resources, 404 unknown, 413 quota,
// 500 everything else.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kolapsis/llmos/internal/kernel"
	"github.com/kolapsis/llmos/internal/process"
	"github.com/kolapsis/llmos/internal/provider"
	"github.com/kolapsis/llmos/internal/registry"
	"github.com/kolapsis/llmos/internal/scheduler"
	"github.com/kolapsis/llmos/internal/storage"
)

// Server holds the router and the kernel it fronts.
type Server struct {
	kernel *kernel.Kernel
}

// NewRouter builds the chi router with every API route mounted.
func NewRouter(k *kernel.Kernel) http.Handler {
	s := &Server{kernel: k}

	r := chi.NewRouter()
	r.Use(s.recordActivity)

	r.Route("/api", func(r chi.Router) {
		r.Post("/generate", s.handleGenerate)
		r.Post("/analyze", s.handleAnalyze)
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)

		r.Route("/storage/{appID}", func(r chi.Router) {
			r.Get("/", s.handleStorageKeys)
			r.Get("/{key}", s.handleStorageGet)
			r.Put("/{key}", s.handleStorageSet)
			r.Delete("/{key}", s.handleStorageRemove)
		})

		r.Route("/process", func(r chi.Router) {
			r.Post("/build", s.handleProcessBuild)
			r.Post("/launch", s.handleProcessLaunch)
			r.Post("/stop", s.handleProcessStop)
			r.Get("/status/{appID}", s.handleProcessStatus)
			r.Get("/logs/{appID}", s.handleProcessLogs)
			r.Get("/list", s.handleProcessList)
		})

		r.Route("/registry", func(r chi.Router) {
			r.Get("/browse", s.handleBrowse)
			r.Get("/search", s.handleSearch)
			r.Post("/publish", s.handlePublish)
			r.Get("/tags", s.handleTags)
			r.Get("/stats", s.handleRegistryStats)
			r.Post("/sync", s.handleSync)
			r.Post("/launch/{hash}", s.handleRecordLaunch)
			r.Get("/{hash}", s.handleGetApp)
			r.Delete("/{hash}", s.handleDeleteApp)
			r.Post("/{hash}/rate", s.handleRate)
			r.Post("/{hash}/spec", s.handleUpdateSpec)
		})

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/tasks", s.handleTasks)
			r.Post("/enable", s.handleTaskEnable)
			r.Post("/disable", s.handleTaskDisable)
			r.Post("/run", s.handleTaskRun)
			r.Get("/history/{id}", s.handleTaskHistory)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/reset", s.handleBreakerReset)
		})

		r.Route("/profile", func(r chi.Router) {
			r.Get("/", s.handleProfileGet)
			r.Put("/", s.handleProfileUpdate)
			r.Post("/solidify", s.handleSolidify)
			r.Post("/ephemeral", s.handleEphemeral)
			r.Get("/snapshot", s.handleSnapshotMeta)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return r
}

// recordActivity bumps the scheduler's activity clock before dispatch, so
// background work defers to live users.
func (s *Server) recordActivity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.kernel.Scheduler.RecordActivity()
		next.ServeHTTP(w, r)
	})
}

// envelope is the uniform response shape.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Kind    string `json:"error_kind,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: status < 400, Data: data}); err != nil {
		slog.Debug("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Kind: kind, Error: err.Error()})
}

// mapError converts kernel errors to the status-code contract.
func mapError(w http.ResponseWriter, err error) {
	var blocked *kernel.ErrAnalysisBlocked
	switch {
	case errors.As(err, &blocked):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(envelope{Kind: "analysis_blocked", Error: err.Error(), Data: blocked.Report})
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, process.ErrNotFound),
		errors.Is(err, scheduler.ErrUnknownTask):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, storage.ErrQuotaExceeded):
		writeError(w, http.StatusRequestEntityTooLarge, "quota_exceeded", err)
	case errors.Is(err, provider.ErrNoProvider):
		writeError(w, http.StatusBadRequest, "provider_unavailable", err)
	case errors.Is(err, process.ErrNoFreePorts), errors.Is(err, process.ErrMaxContainers):
		writeError(w, http.StatusBadRequest, "resource_exhausted", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err)
		return false
	}
	return true
}
