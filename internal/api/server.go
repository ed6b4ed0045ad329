// SPDX-License-Identifier: MIT

// Package api exposes the engine over HTTP: the append endpoint, stream and
// failed-event reads, reprocessing, and the projection read models.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/evented-go/evented/internal/config"
	"github.com/evented-go/evented/internal/log"
	"github.com/evented-go/evented/internal/projection"
	"github.com/evented-go/evented/internal/store"
)

// Server holds the HTTP handlers' dependencies.
type Server struct {
	store   *store.Store
	queries *projection.Queries
	cfg     config.APIConfig
	logger  zerolog.Logger
}

// New creates the HTTP server facade.
func New(st *store.Store, queries *projection.Queries, cfg config.APIConfig) *Server {
	return &Server{
		store:   st,
		queries: queries,
		cfg:     cfg,
		logger:  log.WithComponent("api"),
	}
}

// Routes builds the router with the canonical middleware stack.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(s.requestContext)
	r.Use(s.requestLogger)
	if s.cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}
	if s.cfg.RateLimit > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RateLimit, time.Minute))
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/streams/{streamType}/{streamID}/events", s.handleAppend)
		r.Get("/streams/{streamType}/{streamID}/events", s.handleLoadStream)

		r.Post("/events/{eventID}/reprocess", s.handleReprocess)
		r.Get("/events/failed", s.handleListFailed)

		r.Get("/users/{id}", s.handleGetUser)
		r.Get("/organizations/{id}", s.handleGetOrganization)
		r.Get("/roles/{id}", s.handleGetRole)
		r.Get("/audit/{correlationID}", s.handleAuditTrail)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
