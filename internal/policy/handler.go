package policy

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

// Handler exposes policy HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a policy handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type grantRequest struct {
	PerTxMax string `json:"per_tx_max"`
	DailyCap string `json:"daily_cap"`
}

type policyResponse struct {
	WalletID string  `json:"wallet_id"`
	Enabled  bool    `json:"enabled"`
	PerTxMax *string `json:"per_tx_max"`
	DailyCap *string `json:"daily_cap"`
}

type statusResponse struct {
	policyResponse
	PeriodKey      string  `json:"period"`
	SpentToday     string  `json:"spent_today"`
	RemainingToday *string `json:"remaining_today"`
}

// Grant enables spending for the wallet with the supplied limits.
func (h *Handler) Grant(c *fiber.Ctx) error {
	var req grantRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	perTxMax, err := decimal.NewFromString(req.PerTxMax)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid per_tx_max")
	}
	dailyCap, err := decimal.NewFromString(req.DailyCap)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid daily_cap")
	}

	p, err := h.service.Grant(c.UserContext(), c.Params("walletId"), perTxMax, dailyCap)
	if err != nil {
		if errors.Is(err, ErrInvalidLimit) {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(toPolicyResponse(p))
}

// Revoke disables spending for the wallet.
func (h *Handler) Revoke(c *fiber.Ctx) error {
	if err := h.service.Revoke(c.UserContext(), c.Params("walletId")); err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"wallet_id": c.Params("walletId"), "enabled": false})
}

// Status reports the policy and current period spend.
func (h *Handler) Status(c *fiber.Ctx) error {
	st, err := h.service.Status(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}

	resp := statusResponse{
		policyResponse: toPolicyResponse(st.Policy),
		PeriodKey:      st.PeriodKey,
		SpentToday:     st.SpentToday.String(),
	}
	if st.RemainingToday != nil {
		s := st.RemainingToday.String()
		resp.RemainingToday = &s
	}
	return c.Status(http.StatusOK).JSON(resp)
}

func toPolicyResponse(p Policy) policyResponse {
	resp := policyResponse{WalletID: p.WalletID, Enabled: p.Enabled}
	if p.PerTxMax != nil {
		s := p.PerTxMax.String()
		resp.PerTxMax = &s
	}
	if p.DailyCap != nil {
		s := p.DailyCap.String()
		resp.DailyCap = &s
	}
	return resp
}
