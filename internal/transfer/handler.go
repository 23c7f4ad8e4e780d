package transfer

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/spendgate/spendgate/internal/ledger"
	"github.com/spendgate/spendgate/internal/policy"
)

// Handler exposes transfer HTTP endpoints.
type Handler struct {
	service *Service
	ledger  ledger.Ledger
}

// NewHandler constructs a transfer handler.
func NewHandler(service *Service, spendLedger ledger.Ledger) *Handler {
	return &Handler{service: service, ledger: spendLedger}
}

type transferRequest struct {
	WalletID       string `json:"wallet_id"`
	Destination    string `json:"destination"`
	Amount         string `json:"amount"`
	Asset          string `json:"asset"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Submit executes a transfer request.
func (h *Handler) Submit(c *fiber.Ctx) error {
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid amount")
	}

	res, err := h.service.Execute(c.UserContext(), Request{
		WalletID:       req.WalletID,
		Destination:    req.Destination,
		Amount:         amount,
		Asset:          req.Asset,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return writeFailure(c, res, err)
	}

	return c.Status(http.StatusCreated).JSON(res)
}

// Status returns the ledger record for an external reference.
func (h *Handler) Status(c *fiber.Ctx) error {
	entry, err := h.ledger.FindByReference(c.UserContext(), c.Params("reference"))
	if err != nil {
		if errors.Is(err, ledger.ErrEntryNotFound) {
			return fiber.NewError(http.StatusNotFound, "transfer not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(entryResponse(entry))
}

// Entries lists recent ledger entries for a wallet.
func (h *Handler) Entries(c *fiber.Ctx) error {
	entries, err := h.ledger.EntriesForWallet(c.UserContext(), c.Params("walletId"), c.QueryInt("limit", 50))
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	out := make([]fiber.Map, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entryResponse(entry))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"wallet_id": c.Params("walletId"), "entries": out})
}

func entryResponse(entry ledger.Entry) fiber.Map {
	return fiber.Map{
		"id":                         entry.ID,
		"wallet_id":                  entry.WalletID,
		"direction":                  entry.Direction,
		"counterparty":               entry.Counterparty,
		"amount":                     entry.Amount.String(),
		"asset":                      entry.Asset,
		"reference":                  entry.Reference,
		"period":                     entry.PeriodKey,
		"flagged_for_reconciliation": entry.NeedsReconciliation,
		"created_at":                 entry.CreatedAt,
	}
}

func writeFailure(c *fiber.Ctx, res Result, err error) error {
	var invalid *InvalidRequestError
	var perTx *policy.PerTxLimitError
	var dailyCap *policy.DailyCapError
	var rejected *SubmissionRejectedError

	switch {
	case errors.As(err, &invalid):
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error":  "invalid_request",
			"field":  invalid.Field,
			"detail": invalid.Reason,
		})
	case errors.Is(err, policy.ErrNotEnabled):
		return c.Status(http.StatusForbidden).JSON(fiber.Map{
			"error":  "policy_not_enabled",
			"detail": err.Error(),
		})
	case errors.As(err, &perTx):
		return c.Status(http.StatusForbidden).JSON(fiber.Map{
			"error":     "per_transaction_limit_exceeded",
			"limit":     perTx.Limit.String(),
			"requested": perTx.Requested.String(),
			"excess":    perTx.Excess().String(),
		})
	case errors.As(err, &dailyCap):
		return c.Status(http.StatusForbidden).JSON(fiber.Map{
			"error":     "daily_cap_exceeded",
			"cap":       dailyCap.Cap.String(),
			"spent":     dailyCap.Spent.String(),
			"requested": dailyCap.Requested.String(),
			"excess":    dailyCap.Excess().String(),
		})
	case errors.As(err, &rejected):
		body := fiber.Map{
			"error":  "submission_rejected",
			"detail": rejected.Reason,
		}
		if res.State == StateSubmitFailed {
			body["result"] = res
		}
		return c.Status(http.StatusUnprocessableEntity).JSON(body)
	case errors.Is(err, ErrSubmissionIndeterminate):
		return c.Status(http.StatusBadGateway).JSON(fiber.Map{
			"error":      "submission_indeterminate",
			"detail":     err.Error(),
			"retry_safe": false,
		})
	case errors.Is(err, ErrRequestInFlight):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrStorageUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
