package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Reporting endpoints are hit by agents once per test item.
		r.Group(func(r chi.Router) {
			if s.cfg.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(s.cfg.RateLimit.Reporting))
			}

			r.Post("/launches", s.handleStartLaunch)
			r.Post("/launches/merge", s.handleMergeLaunches)
			r.Put("/launches/{id}/finish", s.handleFinish)
			r.Post("/launches/{id}/interrupt", s.handleInterrupt)
			r.Post("/launches/{id}/export", s.handlePushExport)

			r.Post("/items", s.handleStartItem)
			r.Put("/items/{id}/finish", s.handleFinish)
			r.Delete("/items/{id}", s.handleDeleteItem)
			r.Post("/items/{id}/recompute", s.handleRecompute)
			r.Post("/items/{id}/verify", s.handleVerify)

			r.Put("/items/{id}/issue", s.handleClassify)
			r.Put("/items/issues", s.handleClassifyBatch)
			r.Put("/items/tickets/link", s.handleLinkTickets)
			r.Put("/items/tickets/unlink", s.handleUnlinkTickets)

			r.Post("/projects/{project}/defect-types", s.handleAddDefectType)
		})

		// Read endpoints.
		r.Group(func(r chi.Router) {
			if s.cfg.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(s.cfg.RateLimit.Read))
			}

			r.Get("/launches", s.handleListLaunches)
			r.Get("/launches/{id}/export", s.handleExport)
			r.Get("/launches/{id}/summary", s.handleSummary)

			r.Get("/items/{id}", s.handleGetItem)
			r.Get("/items/{id}/children", s.handleGetChildren)
			r.Get("/items/{id}/activity", s.handleGetActivity)

			r.Get("/projects/{project}/defect-types", s.handleListDefectTypes)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", actorHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
