package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spendgate/spendgate/internal/transfer"
)

// RegisterTransferRoutes wires transfer execution and audit reads.
func RegisterTransferRoutes(router fiber.Router, h *transfer.Handler) {
	router.Post("/transfers", h.Submit)
	router.Get("/transfers/:reference", h.Status)
	router.Get("/wallets/:walletId/entries", h.Entries)
}
