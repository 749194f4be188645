/**
 * @description
 * This file sets up the HTTP router for the transfer-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies any necessary middleware.
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

// TransferRoutes creates and returns a new router for the transfer service.
func TransferRoutes(h *TransferHandlers, internalAPIKey string) http.Handler {
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

	// Transfer endpoints sit behind the internal service key when one is
	// configured; the gateway in front of this service holds that key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/transfers/request-code", h.RequestCodeHandler)
		r.Post("/transfers", h.ExecuteTransferHandler)
		r.Get("/transfers", h.GetTransferHistoryHandler)
		r.Get("/transfers/{transferID}", h.GetTransferByIDHandler)
		r.Get("/transfers/{transferID}/status", h.GetTransferStatusHandler)
		r.Post("/transfers/{transferID}/cancel", h.CancelTransferHandler)
	})

	return r
}
