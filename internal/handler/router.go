package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/marketplace-reconciler/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса сверки.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Use(custommiddleware.Idempotency(h.idempotency, h.logger))

		r.Route("/bookings", func(r chi.Router) {
			r.Post("/", h.CreateBooking)
			r.Get("/number/{number}", h.GetBookingByNumber)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetBooking)
				r.Post("/confirm", h.ConfirmBooking)
				r.Post("/complete", h.CompleteBooking)
				r.Post("/cancel", h.CancelBooking)

				r.Post("/payments", h.SubmitPayment)
				r.Get("/payments", h.ListPayments)
			})
		})

		r.Route("/payments/{id}", func(r chi.Router) {
			r.Post("/verify", h.VerifyPayment)
			r.Post("/reject", h.RejectPayment)
			r.Post("/refund", h.RefundPayment)
		})

		r.Route("/promotions", func(r chi.Router) {
			r.Post("/", h.CreatePromotion)
			r.Post("/quote", h.QuotePromotion)
			r.Get("/{id}", h.GetPromotion)
			r.Post("/{id}/deactivate", h.DeactivatePromotion)
		})

		r.Post("/stock/{sku}/restock", h.RestockSKU)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Kind: "not_found", Message: http.StatusText(http.StatusNotFound)})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Kind: "method_not_allowed", Message: http.StatusText(http.StatusMethodNotAllowed)})
	})

	return r
}
