package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func RegisterRoutes(r chi.Router, app *App) {
	r.Get("/", dashboardHandler)
	r.Get("/healthz", app.healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/submit", app.submitHandler)
	r.Get("/api/data", app.listFeedbackHandler)
	r.Get("/api/results", app.listFeedbackHandler)
	r.Get("/api/runs", app.listRunsHandler)
	r.Post("/api/runs/{run_id}/retry", app.retryRunHandler)
}

// NewRouter builds the HTTP handler with the standard middleware stack.
func NewRouter(app *App, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	RegisterRoutes(r, app)
	return r
}
