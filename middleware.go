package main

import (
	"crypto/subtle"
	"net/http"
	"os"

	log "github.com/sirupsen/logrus"
)

// APIKeyMiddleware guards the pairing and notification endpoints. With no
// BRIDGE_API_KEY configured the bridge assumes a trusted local caller and
// lets everything through.
func APIKeyMiddleware(next http.Handler) http.Handler {
	apiKey := os.Getenv("BRIDGE_API_KEY")
	if apiKey == "" {
		log.Warn("BRIDGE_API_KEY not set, local API is unauthenticated")
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		provided := r.Header.Get("X-Api-Key")
		if provided == "" {
			JsonResponse(w, http.StatusUnauthorized, "Unauthorized", "No API key provided")
			return
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			JsonResponse(w, http.StatusUnauthorized, "Unauthorized", "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}
