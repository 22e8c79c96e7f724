package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phrazzld/castqueue/internal/api"
	apiMiddleware "github.com/phrazzld/castqueue/internal/api/middleware"
)

// setupRouter creates the application router with all routes and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware(app.logger))

	authHandler := api.NewAuthHandler(app.userService, app.logger)
	adminHandler := api.NewAdminHandler(app.userService, app.logger)
	jobHandler := api.NewJobHandler(app.jobService, app.maxRequestBytes(), app.logger)
	authMiddleware := apiMiddleware.NewAuthMiddleware(app.jwtService, app.userStore)

	r.Route("/api", func(r chi.Router) {
		// Authentication endpoints (public)
		r.Post("/auth/register", authHandler.Register)
		r.Post("/auth/login", authHandler.Login)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)

			r.Post("/auth/password", authHandler.ChangePassword)
			r.Get("/users/me", authHandler.Me)

			r.Post("/jobs", jobHandler.Submit)
			r.Get("/jobs", jobHandler.List)
			r.Post("/jobs/stop", jobHandler.Stop)
			r.Delete("/jobs/clear", jobHandler.Clear)
			r.Post("/jobs/clear", jobHandler.Clear)
			r.Get("/jobs/{id}", jobHandler.Get)
			r.Get("/jobs/{id}/download/audio", jobHandler.DownloadAudio)
			r.Get("/jobs/{id}/download/text", jobHandler.DownloadText)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(apiMiddleware.RequireAdminKey(app.config.Auth.AdminAPIKey))
			r.Get("/users", adminHandler.ListUsers)
			r.Put("/users/{email}/admin", adminHandler.SetAdmin)
			r.Delete("/users/{email}", adminHandler.DeleteUser)
		})
	})

	r.Get("/health", app.health)
	r.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))

	return r
}

func (app *application) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		app.logger.Error("Failed to write health check response", "error", err)
	}
}
