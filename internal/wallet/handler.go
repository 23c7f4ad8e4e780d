package wallet

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type registerRequest struct {
	Address string `json:"address"`
	Network string `json:"network"`
}

type walletResponse struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Network string `json:"network"`
	Status  string `json:"status"`
}

// Register records a new custodial wallet.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	w, err := h.service.Register(c.UserContext(), RegisterInput{Address: req.Address, Network: req.Network})
	if err != nil {
		if errors.Is(err, ErrAddressTaken) {
			return fiber.NewError(http.StatusConflict, err.Error())
		}
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(walletResponse{
		ID:      w.ID,
		Address: w.Address,
		Network: w.Network,
		Status:  w.Status,
	})
}

// Get returns wallet metadata.
func (h *Handler) Get(c *fiber.Ctx) error {
	w, err := h.service.Get(c.UserContext(), c.Params("walletId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, "wallet not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(walletResponse{
		ID:      w.ID,
		Address: w.Address,
		Network: w.Network,
		Status:  w.Status,
	})
}
