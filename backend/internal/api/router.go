package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter mounts /api/ping, /api/health and, when metrics is not nil,
// /metrics.
func NewRouter(l *slog.Logger, h *Handler, metrics http.Handler) http.Handler {
	mw := NewMiddlewareHandler(l)

	r := chi.NewRouter()
	r.Use(mw.RequestIDMiddleware, mw.LoggerMiddleware, mw.RecoveryMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/ping", ErrorHandler(h.Ping))
		r.Get("/health", ErrorHandler(h.Health))
	})

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.NotFound(ErrorHandler(func(http.ResponseWriter, *http.Request) error {
		return NewError(http.StatusNotFound, "Not Found")
	}))
	r.MethodNotAllowed(ErrorHandler(func(http.ResponseWriter, *http.Request) error {
		return NewError(http.StatusMethodNotAllowed, "Method Not Allowed")
	}))

	return r
}

// NewMetricsRouter serves only /metrics, for processes without a database.
func NewMetricsRouter(l *slog.Logger, metrics http.Handler) http.Handler {
	mw := NewMiddlewareHandler(l)

	r := chi.NewRouter()
	r.Use(mw.RequestIDMiddleware, mw.LoggerMiddleware, mw.RecoveryMiddleware)
	r.Method(http.MethodGet, "/metrics", metrics)

	r.NotFound(ErrorHandler(func(http.ResponseWriter, *http.Request) error {
		return NewError(http.StatusNotFound, "Not Found")
	}))

	return r
}
