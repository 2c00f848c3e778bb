package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"mousekit.app/cloud/internal/ratelimit"
	"mousekit.app/cloud/jobs"
	"mousekit.app/cloud/storage"
	"mousekit.app/cloud/stream"
)

type Server struct {
	Router  *chi.Mux
	Storage storage.Storage
	Jobs    *jobs.Runner

	relayStats    *stream.Stats
	limiter       ratelimit.RateLimit
	webhookSecret string
	version       string
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Relay     RelayInfo `json:"relay"`
}

type RelayInfo struct {
	Delivered int64 `json:"delivered"`
	Retried   int64 `json:"retried"`
	Parked    int64 `json:"parked"`
}

func NewServer(db storage.Storage, runner *jobs.Runner, relayStats *stream.Stats, webhookSecret, version string) *Server {
	s := &Server{
		Storage:       db,
		Jobs:          runner,
		relayStats:    relayStats,
		limiter:       ratelimit.New(30, 10*time.Minute),
		webhookSecret: webhookSecret,
		version:       version,
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://mousekit.app", "https://*.mousekit.app"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "Stripe-Signature"},
	}))

	r.Get("/health", s.Health)
	r.Post("/api/v1/licenses/validate", s.ValidateLicense)
	r.Post("/api/v1/webhooks/stripe", s.Stripe)
	r.Post("/api/v1/jobs/{task}", s.RunJob)

	s.Router = r
	return s
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Version:   s.version,
		Timestamp: time.Now(),
	}
	if s.relayStats != nil {
		response.Relay = RelayInfo{
			Delivered: s.relayStats.Delivered.Load(),
			Retried:   s.relayStats.Retried.Load(),
			Parked:    s.relayStats.Parked.Load(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// RunJob triggers one scheduled task out of band, for external cron
// infrastructure. The task selector comes from the fixed set the Runner
// knows; anything else is a 400.
func (s *Server) RunJob(w http.ResponseWriter, r *http.Request) {
	task := chi.URLParam(r, "task")

	counters, err := s.Jobs.Run(r.Context(), task)
	if err != nil {
		if errors.Is(err, jobs.ErrUnknownTask) {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(counters)
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
