package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletcore/internal/payments"
)

// RegisterPaymentRoutes wires payment session endpoints.
func RegisterPaymentRoutes(r fiber.Router, h *payments.Handler) {
	r.Post("/payments/sessions", h.Init)
	r.Get("/payments/sessions/:id", h.Status)
	r.Post("/payments/sessions/:id/authorize", h.Authorize)
	r.Post("/payments/sessions/:id/capture", h.Capture)
	r.Post("/payments/sessions/:id/process", h.Process)
	r.Post("/payments/sessions/:id/cancel", h.Cancel)
}
