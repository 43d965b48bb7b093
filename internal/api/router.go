/**
 * @description
 * This file sets up the HTTP router for the settlement-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// BookingRoutes creates and returns a new router for the settlement service.
func BookingRoutes(h *BookingHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		// Apply JWT authentication middleware for production
		r.Use(AuthMiddleware(jwksURL))

		r.Post("/bookings", h.CreateBookingHandler)
		r.Get("/bookings/{id}", h.GetBookingHandler)
		r.Get("/bookings/{id}/history", h.GetBookingHistoryHandler)

		// Lifecycle endpoints
		r.Post("/bookings/{id}/approve", h.ApproveBookingHandler)
		r.Post("/bookings/{id}/decline", h.DeclineBookingHandler)
		r.Post("/bookings/{id}/pay", h.MarkPaidHandler)
		r.Post("/bookings/{id}/start", h.StartServiceHandler)
		r.Post("/bookings/{id}/complete", h.CompleteServiceHandler)

		// Money-moving endpoints
		r.Post("/bookings/{id}/confirm", h.ConfirmBookingHandler)
		r.Post("/bookings/{id}/cancel", h.CancelBookingHandler)
	})

	// Internal server-to-server endpoints (scheduler, operator tooling).
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/internal/sweep/auto-confirm", h.SweepAutoConfirmHandler)
		r.Get("/internal/rate-limiter/stats", h.RateLimiterStatsHandler)
		r.Get("/internal/escrow-failures", h.ListEscrowFailuresHandler)
	})

	return r
}
