// Package server implements the tmpfiles HTTP server: route registration,
// middleware chain, and lifecycle.
package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bozonx/tmpfiles/internal/auth"
	"github.com/bozonx/tmpfiles/internal/config"
	"github.com/bozonx/tmpfiles/internal/engine"
	"github.com/bozonx/tmpfiles/internal/handlers"
)

// Server is the tmpfiles HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	engine     *engine.Engine
	files      *handlers.FileHandler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status   string `json:"status" example:"ok" doc:"Health status"`
	Backend  bool   `json:"backend" doc:"Object backend reachable"`
	Metadata bool   `json:"metadata" doc:"Metadata store reachable"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Status int
	Body   HealthBody
}

// New creates a Server over the given engine and registers all routes.
func New(cfg *config.Config, eng *engine.Engine) *Server {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("tmpfiles API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		engine: eng,
		files:  handlers.NewFileHandler(eng),
	}
	s.registerRoutes()
	return s
}

// Handler returns the full middleware-wrapped handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// Middleware chain: metricsMiddleware -> commonHeaders -> router; bearer auth
// wraps only the file API subtree, so health, docs, and metrics stay open.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router: the Huma health
// endpoint (with OpenAPI docs), the Prometheus endpoint, and the
// bearer-protected file API under the configured prefix.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Reports reachability of the object backend and the metadata store.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		h := s.engine.GetHealth(ctx)
		out := &HealthOutput{
			Status: http.StatusOK,
			Body: HealthBody{
				Status:   "ok",
				Backend:  h.Backend.Healthy,
				Metadata: h.Metadata.Healthy,
			},
		}
		if !h.Healthy {
			out.Status = http.StatusServiceUnavailable
			out.Body.Status = "degraded"
		}
		return out, nil
	})

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route(s.cfg.Server.APIPrefix(), func(r chi.Router) {
		if s.cfg.Auth.Enabled {
			r.Use(auth.Middleware(s.cfg.Auth.Token))
		}
		r.Post("/files", s.files.Upload)
		r.Get("/files", s.files.List)
		r.Get("/files/stats", s.files.Stats)
		r.Get("/files/{id}", s.files.Info)
		r.Get("/files/{id}/download", s.files.Download)
		r.Get("/files/{id}/exists", s.files.Exists)
		r.Delete("/files/{id}", s.files.Delete)
	})
}
