package payments

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletcore/internal/amount"
	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/request"
	"github.com/congo-pay/walletcore/internal/wallet"
)

// Handler exposes payment session endpoints.
type Handler struct {
	manager *Manager
}

// NewHandler constructs a payment session handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

type initRequest struct {
	WalletID string `json:"wallet_id" validate:"required"`
	Amount   int64  `json:"amount" validate:"gt=0"`
	Currency string `json:"currency" validate:"omitempty,currency"`
	Provider string `json:"provider" validate:"required,oneof=apple_pay google_pay"`
}

type payloadRequest struct {
	Token string            `json:"token" validate:"required"`
	Data  map[string]string `json:"data"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

type sessionResponse struct {
	Session
	Display string `json:"display_amount"`
}

func toResponse(s Session) sessionResponse {
	return sessionResponse{Session: s, Display: amount.Format(s.Amount, s.Currency)}
}

// Init opens a session.
func (h *Handler) Init(c *fiber.Ctx) error {
	var req initRequest
	if err := request.Bind(c, &req); err != nil {
		return err
	}
	session, err := h.manager.InitSession(c.UserContext(), InitInput{
		WalletID: req.WalletID,
		Amount:   req.Amount,
		Currency: req.Currency,
		Provider: ProviderKind(req.Provider),
	})
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(session))
}

// Status returns the session's current state.
func (h *Handler) Status(c *fiber.Ctx) error {
	session, err := h.manager.Status(c.UserContext(), c.Params("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(toResponse(session))
}

// Authorize submits the provider payload.
func (h *Handler) Authorize(c *fiber.Ctx) error {
	var req payloadRequest
	if err := request.Bind(c, &req); err != nil {
		return err
	}
	session, err := h.manager.Authorize(c.UserContext(), c.Params("id"), Payload{Token: req.Token, Data: req.Data})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(toResponse(session))
}

// Capture credits the wallet for an authorized session.
func (h *Handler) Capture(c *fiber.Ctx) error {
	session, err := h.manager.Capture(c.UserContext(), c.Params("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(toResponse(session))
}

// Process authorizes and captures in one call.
func (h *Handler) Process(c *fiber.Ctx) error {
	var req payloadRequest
	if err := request.Bind(c, &req); err != nil {
		return err
	}
	session, err := h.manager.Process(c.UserContext(), c.Params("id"), Payload{Token: req.Token, Data: req.Data})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(toResponse(session))
}

// Cancel aborts the session.
func (h *Handler) Cancel(c *fiber.Ctx) error {
	var req cancelRequest
	if len(c.Body()) > 0 {
		if err := request.Bind(c, &req); err != nil {
			return err
		}
	}
	session, err := h.manager.Cancel(c.UserContext(), c.Params("id"), req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(toResponse(session))
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrUnknownProvider),
		errors.Is(err, ErrCurrencyMismatch), errors.Is(err, amount.ErrUnknownCurrency):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAuthorizationDeclined):
		return fiber.NewError(http.StatusPaymentRequired, err.Error())
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrWalletNotActive):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrSessionExpired):
		return fiber.NewError(http.StatusGone, err.Error())
	case errors.Is(err, ErrStoreBusy), errors.Is(err, wallet.ErrLedgerBusy):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrProviderTimeout):
		return fiber.NewError(http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, ErrChargePending):
		return fiber.NewError(http.StatusBadGateway, err.Error())
	}
	return fiber.NewError(http.StatusInternalServerError, err.Error())
}
