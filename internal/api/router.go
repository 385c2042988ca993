// internal/api/router.go
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig tunes the middleware stack.
type RouterConfig struct {
	Timeout     time.Duration
	RateLimit   int    // requests per minute per client, 0 disables
	CORSOrigins string // comma-separated, empty disables
}

// NewRouter mounts every route on a chi router.
func NewRouter(h *Handlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	if cfg.Timeout > 0 {
		r.Use(middleware.Timeout(cfg.Timeout))
	}
	r.Use(RequestID)
	r.Use(MaxBodySize)
	if cfg.RateLimit > 0 {
		r.Use(NewRateLimiter(cfg.RateLimit, time.Minute).Middleware)
	}
	if origins := splitOrigins(cfg.CORSOrigins); len(origins) > 0 {
		r.Use(CORSMiddleware(origins))
	}
	r.Use(OwnerContext)

	r.Get("/health", h.Health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/memories", h.Create)
		r.Post("/memories/classify", h.Classify)
		r.Post("/memories/search", h.Search)
		r.Get("/memories/{id}", h.Get)
		r.Patch("/memories/{id}", h.Edit)
		r.Delete("/memories/{id}", h.Delete)
		r.Put("/memories/{id}/path", h.Move)
		r.Get("/tree/{type}", h.Tree)
		r.Post("/reflexion", h.TriggerReflexion)
		r.Get("/reflexion", h.ReflexionStatus)
		r.Post("/embeddings/backfill", h.Backfill)
	})
	return r
}
