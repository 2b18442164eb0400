package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	timeout := middleware.Timeout(60 * time.Second)

	// Health check
	r.Get("/health", s.HandleHealth)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Use(timeout)
		r.Post("/token", s.HandleToken)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Event stream
		r.Route("/stream", func(r chi.Router) {
			r.Use(timeout)
			r.Get("/status", s.HandleStreamStatus)
			r.Post("/start", s.HandleStreamStart)
			r.Post("/stop", s.HandleStreamStop)
			r.Put("/token", s.HandleUpdateToken)
		})

		// App lifecycle
		r.With(timeout).Put("/lifecycle", s.HandleSetLifecycle)

		// Devices
		r.Route("/devices", func(r chi.Router) {
			r.With(timeout).Get("/", s.HandleListDevices)
			r.With(timeout).Post("/", s.HandleRegisterDevice)
			r.With(timeout).Delete("/selection", s.HandleClearSelection)

			r.Route("/{imei}", func(r chi.Router) {
				// Waits for the device reply, bounded by the command timeout
				r.Post("/commands", s.HandleSendCommand)

				r.Group(func(r chi.Router) {
					r.Use(timeout)
					r.Get("/", s.HandleGetDevice)
					r.Delete("/", s.HandleDeleteDevice)
					r.Post("/select", s.HandleSelectDevice)
					r.Delete("/commands", s.HandleCancelCommand)
				})
			})
		})

		// Command audit log
		r.With(timeout).Get("/commands", s.HandleListCommands)
	})
}
