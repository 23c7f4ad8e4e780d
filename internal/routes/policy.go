package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spendgate/spendgate/internal/policy"
)

// RegisterPolicyRoutes wires spend-authorization management.
func RegisterPolicyRoutes(router fiber.Router, h *policy.Handler) {
	router.Post("/wallets/:walletId/policy/grant", h.Grant)
	router.Post("/wallets/:walletId/policy/revoke", h.Revoke)
	router.Get("/wallets/:walletId/policy", h.Status)
}
