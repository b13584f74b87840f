package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletcore/internal/wallet"
)

// RegisterWalletRoutes wires wallet-related endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Post("/wallets", h.Create)
	r.Get("/wallets", h.Lookup)
	r.Get("/wallets/:walletId", h.Get)
	r.Get("/wallets/:walletId/balance", h.Balance)
	r.Post("/wallets/:walletId/fund", h.Fund)
	r.Post("/wallets/:walletId/debit", h.Debit)
	r.Post("/wallets/:walletId/refund", h.Refund)
	r.Get("/wallets/:walletId/transactions", h.Transactions)
	r.Get("/wallets/:walletId/stats", h.Stats)
	r.Post("/wallets/:walletId/status", h.ChangeStatus)
	r.Put("/wallets/:walletId/settings/auto-top-up", h.UpdateAutoTopUp)

	r.Get("/wallets/:walletId/payment-methods", h.ListPaymentMethods)
	r.Post("/wallets/:walletId/payment-methods", h.AddPaymentMethod)
	r.Delete("/wallets/:walletId/payment-methods/:token", h.RemovePaymentMethod)
	r.Post("/wallets/:walletId/payment-methods/:token/default", h.SetDefaultPaymentMethod)
}
