package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func InitRoutes(status *StatusHandler, connections *ConnectionHandler, notify *NotifyHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// allow cors
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Api-Key"},
		AllowCredentials: true,
	}))

	r.Get("/", HandleHome)
	r.Get("/status", status.Get)

	r.Group(func(r chi.Router) {
		r.Use(APIKeyMiddleware)

		r.Post("/connection", connections.Create)
		r.Get("/connection", connections.GetAll)
		r.Get("/connection/{pubkey}/qr", connections.QR)

		r.Post("/notify", notify.Post)
	})

	return r
}
