package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spendgate/spendgate/internal/wallet"
)

// RegisterWalletRoutes wires wallet registration and lookup.
func RegisterWalletRoutes(router fiber.Router, h *wallet.Handler) {
	router.Post("/wallets", h.Register)
	router.Get("/wallets/:walletId", h.Get)
}
