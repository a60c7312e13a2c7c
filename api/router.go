// Package api exposes the relay's HTTP surface: account endpoints, the user
// directory, conversation history, metrics and the WebSocket upgrade.
package api

import (
	"net/http"

	"dmrelay/db"
	"dmrelay/presence"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 16 * 1024

// NewRouter creates and configures the HTTP router. ws serves /ws and may be
// nil.
func NewRouter(logger zerolog.Logger, database *db.DB, registry *presence.Registry, ws http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(logger))
	r.Use(chimw.Recoverer)

	// the browser client is served from anywhere
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := NewHandler(database, registry, logger)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.With(limitBody).Post("/register", h.Register)
		r.With(limitBody).Post("/login", h.Login)
		r.Get("/users", h.Users)
		r.Get("/messages/{a}/{b}", h.Messages)
	})

	if ws != nil {
		r.Handle("/ws", ws)
	}

	return r
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		next.ServeHTTP(w, r)
	})
}
