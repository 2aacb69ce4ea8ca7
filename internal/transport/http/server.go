// Package http exposes the engine's operations over REST. No wire format is
// inherent to the engine; this surface is one thin adapter over the internal
// packages.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter wires all routes to the handler.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Verification-Token"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/providers/{providerID}", func(r chi.Router) {
			r.Get("/slots", h.ComputeSlots)
			r.Post("/working-hours", h.UpsertWorkingHours)
			r.Post("/time-off", h.AddTimeOff)
			r.Post("/special-availability", h.AddSpecialAvailability)
		})

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", h.CreateAppointment)
			r.Post("/{id}/reschedule", h.RescheduleAppointment)
			r.Post("/{id}/complete", h.CompleteAppointment)
			r.Post("/{id}/no-show", h.MarkNoShow)
			r.Delete("/{id}", h.CancelAppointment)
		})

		r.Route("/series", func(r chi.Router) {
			r.Post("/", h.CreateSeries)
			r.Patch("/{id}", h.EditSeries)
		})
	})

	return r
}

// requestLogger emits one structured line per request through the same slog
// logger the rest of the process uses.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
