package wallet

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletcore/internal/amount"
	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/request"
	"github.com/congo-pay/walletcore/internal/vault"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	OwnerID        string `json:"owner_id" validate:"required"`
	Currency       string `json:"currency" validate:"omitempty,currency"`
	InitialBalance int64  `json:"initial_balance" validate:"gte=0"`
}

type fundRequest struct {
	Amount      int64  `json:"amount" validate:"gt=0"`
	Token       string `json:"token" validate:"required"`
	Description string `json:"description" validate:"max=255"`
}

type debitRequest struct {
	Amount      int64  `json:"amount" validate:"gt=0"`
	Type        string `json:"type" validate:"omitempty,oneof=debit adjustment"`
	Reference   string `json:"reference" validate:"max=128"`
	Description string `json:"description" validate:"max=255"`
}

type refundRequest struct {
	TransactionID string `json:"transaction_id" validate:"required"`
}

type statusRequest struct {
	Action string `json:"action" validate:"required,oneof=suspend reactivate close"`
}

type autoTopUpRequest struct {
	Enabled         bool   `json:"enabled"`
	Threshold       int64  `json:"threshold" validate:"gte=0"`
	Amount          int64  `json:"amount" validate:"gte=0"`
	PaymentMethodID string `json:"payment_method_id"`
}

type paymentMethodRequest struct {
	Type     string `json:"type" validate:"required,oneof=card wallet_app"`
	Number   string `json:"number" validate:"required_if=Type card"`
	ExpMonth int    `json:"exp_month" validate:"required_if=Type card"`
	ExpYear  int    `json:"exp_year" validate:"required_if=Type card"`
	CVC      string `json:"cvc" validate:"required_if=Type card"`
	Holder   string `json:"holder"`
	Brand    string `json:"brand" validate:"required_if=Type wallet_app"`
	Last4    string `json:"last4" validate:"required_if=Type wallet_app"`
}

type walletResponse struct {
	ID             string                  `json:"id"`
	OwnerID        string                  `json:"owner_id"`
	Currency       string                  `json:"currency"`
	Balance        int64                   `json:"balance"`
	Display        string                  `json:"display_balance"`
	Status         ledger.WalletStatus     `json:"status"`
	AutoTopUp      ledger.AutoTopUp        `json:"auto_top_up"`
	Version        int64                   `json:"version"`
	PaymentMethods []paymentMethodResponse `json:"payment_methods,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

type paymentMethodResponse struct {
	Token     string               `json:"token"`
	Type      vault.InstrumentType `json:"type"`
	Brand     string               `json:"brand"`
	Last4     string               `json:"last4"`
	IsDefault bool                 `json:"is_default"`
	CreatedAt time.Time            `json:"created_at"`
}

type transactionResponse struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	Type          ledger.TxType   `json:"type"`
	Amount        int64           `json:"amount"`
	BalanceAfter  int64           `json:"balance_after"`
	Status        ledger.TxStatus `json:"status"`
	Reference     string          `json:"reference,omitempty"`
	Description   string          `json:"description,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func toWalletResponse(w ledger.Wallet, methods []vault.PaymentMethod) walletResponse {
	resp := walletResponse{
		ID:        w.ID,
		OwnerID:   w.OwnerID,
		Currency:  w.Currency,
		Balance:   w.Balance,
		Display:   amount.Format(w.Balance, w.Currency),
		Status:    w.Status,
		AutoTopUp: w.AutoTopUp,
		Version:   w.Version,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
	for _, m := range methods {
		resp.PaymentMethods = append(resp.PaymentMethods, toMethodResponse(m))
	}
	return resp
}

func toMethodResponse(m vault.PaymentMethod) paymentMethodResponse {
	return paymentMethodResponse{Token: m.ID, Type: m.Type, Brand: m.Brand, Last4: m.Last4, IsDefault: m.IsDefault, CreatedAt: m.CreatedAt}
}

func toTransactionResponse(t ledger.Transaction) transactionResponse {
	return transactionResponse{
		ID:            t.ID,
		Seq:           t.Seq,
		Type:          t.Type,
		Amount:        t.Amount,
		BalanceAfter:  t.BalanceAfter,
		Status:        t.Status,
		Reference:     t.Reference,
		Description:   t.Description,
		FailureReason: t.FailureReason,
		CreatedAt:     t.CreatedAt,
	}
}

// Create provisions a wallet.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := request.Bind(c, &req); err != nil {
		return err
	}
	w, err := h.service.Create(c.UserContext(), CreateInput{OwnerID: req.OwnerID, Currency: req.Currency, InitialBalance: req.InitialBalance})
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(toWalletResponse(w, nil))
}

// Get returns a wallet with its payment methods.
func (h *Handler) Get(c *fiber.Ctx) error {
	d, err := h.service.Get(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(toWalletResponse(d.Wallet, d.PaymentMethods))
}

// Lookup finds the wallet of an owner in a currency.
func (h *Handler) Lookup(c *fiber.Ctx) error {
	owner := c.Query("owner_id")
	if owner == "" {
		return fiber.NewError(http.StatusBadRequest, "owner_id is required")
	}
	d, err := h.service.GetByOwner(c.UserContext(), owner, c.Query("currency"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(toWalletResponse(d.Wallet, d.PaymentMethods))
}

// Balance returns the wallet balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	walletID := c.Params("walletId")
	balance, err := h.service.Balance(c.UserContext(), walletID)
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"wallet_id": walletID,
		"balance":   balance.Amount,
		"currency":  balance.Currency,
		"display":   amount.Format(balance.Amount, balance.Currency),
		"timestamp": balance.AsOf,
	})
}

// Fund tops up the wallet from a vaulted token.
func (h *Handler) Fund(c *fiber.Ctx) error {
	var req fundRequest
	if err := request.Bind(c, &req); err != nil {
		return err
	}
	tx, err := h.service.AddFunds(c.UserContext(), FundInput{
		WalletID:    c.Params("walletId"),
		Amount:      req.Amount,
		Token:       req.Token,
		Description: req.Description,
	})
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(toTransactionResponse(tx))
}

// Debit withdraws from the wallet.
func (h *Handler) Debit(c *fiber.Ctx) error {
	var req debitRequest
	if err := request.Bind(c, &req); err != nil {
		return err
	}
	tx, err := h.service.Debit(c.UserContext(), DebitInput{
		WalletID:    c.Params("walletId"),
		Amount:      req.Amount,
		Type:        ledger.TxType(req.Type),
		Reference:   req.Reference,
		Description: req.Description,
	})
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(toTransactionResponse(tx))
}

// Refund credits back a completed debit.
func (h *Handler) Refund(c *fiber.Ctx) error {
	var req refundRequest
	if err := request.Bind(c, &req); err != nil {
		return err
	}
	tx, err := h.service.Refund(c.UserContext(), c.Params("walletId"), req.TransactionID)
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(toTransactionResponse(tx))
}

// Transactions lists history in reverse-chronological pages.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	page, err := h.service.GetTransactions(c.UserContext(), c.Params("walletId"), TxQuery{
		Page:    c.QueryInt("page", 1),
		Limit:   c.QueryInt("limit", defaultPageSize),
		Type:    ledger.TxType(c.Query("type")),
		Status:  ledger.TxStatus(c.Query("status")),
		AsOfSeq: int64(c.QueryInt("as_of", 0)),
	})
	if err != nil {
		return httpError(err)
	}
	items := make([]transactionResponse, 0, len(page.Transactions))
	for _, t := range page.Transactions {
		items = append(items, toTransactionResponse(t))
	}
	return c.JSON(fiber.Map{
		"transactions": items,
		"pagination": fiber.Map{
			"page":  page.Page,
			"limit": page.Limit,
			"total": page.Total,
			"pages": page.Pages,
			"as_of": page.AsOfSeq,
		},
	})
}

// Stats returns aggregate history figures.
func (h *Handler) Stats(c *fiber.Ctx) error {
	stats, err := h.service.GetStats(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(fiber.Map{
		"wallet_id":      stats.WalletID,
		"balance":        stats.Balance,
		"as_of":          stats.AsOfSeq,
		"count":          stats.Count,
		"total_credited": stats.TotalCredited,
		"total_debited":  stats.TotalDebited,
		"by_type":        stats.ByType,
		"by_status":      stats.ByStatus,
	})
}

// ChangeStatus suspends, reactivates or closes the wallet.
func (h *Handler) ChangeStatus(c *fiber.Ctx) error {
	var req statusRequest
	if err := request.Bind(c, &req); err != nil {
		return err
	}
	ctx := c.UserContext()
	walletID := c.Params("walletId")

	var (
		w   ledger.Wallet
		err error
	)
	switch req.Action {
	case "suspend":
		w, err = h.service.Suspend(ctx, walletID)
	case "reactivate":
		w, err = h.service.Reactivate(ctx, walletID)
	case "close":
		w, err = h.service.Close(ctx, walletID)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(toWalletResponse(w, nil))
}

// UpdateAutoTopUp replaces the auto top-up settings.
func (h *Handler) UpdateAutoTopUp(c *fiber.Ctx) error {
	var req autoTopUpRequest
	if err := request.Bind(c, &req); err != nil {
		return err
	}
	w, err := h.service.UpdateAutoTopUp(c.UserContext(), c.Params("walletId"), ledger.AutoTopUp{
		Enabled:         req.Enabled,
		Threshold:       req.Threshold,
		Amount:          req.Amount,
		PaymentMethodID: req.PaymentMethodID,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(toWalletResponse(w, nil))
}

// ListPaymentMethods returns the wallet's tokens.
func (h *Handler) ListPaymentMethods(c *fiber.Ctx) error {
	methods, err := h.service.ListPaymentMethods(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return httpError(err)
	}
	items := make([]paymentMethodResponse, 0, len(methods))
	for _, m := range methods {
		items = append(items, toMethodResponse(m))
	}
	return c.JSON(fiber.Map{"payment_methods": items})
}

// AddPaymentMethod tokenizes a card or vaults a wallet app instrument.
func (h *Handler) AddPaymentMethod(c *fiber.Ctx) error {
	var req paymentMethodRequest
	if err := request.Bind(c, &req); err != nil {
		return err
	}
	walletID := c.Params("walletId")

	var (
		m   vault.PaymentMethod
		err error
	)
	if vault.InstrumentType(req.Type) == vault.InstrumentCard {
		m, err = h.service.Tokenize(c.UserContext(), walletID, vault.RawCard{
			Number:   req.Number,
			ExpMonth: req.ExpMonth,
			ExpYear:  req.ExpYear,
			CVC:      req.CVC,
			Holder:   req.Holder,
		})
	} else {
		m, err = h.service.AddPaymentMethod(c.UserContext(), walletID, vault.NewMethod{
			Type:  vault.InstrumentWalletApp,
			Brand: req.Brand,
			Last4: req.Last4,
		})
	}
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(toMethodResponse(m))
}

// RemovePaymentMethod deletes a token.
func (h *Handler) RemovePaymentMethod(c *fiber.Ctx) error {
	if err := h.service.RemovePaymentMethod(c.UserContext(), c.Params("walletId"), c.Params("token")); err != nil {
		return httpError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// SetDefaultPaymentMethod marks a token as default.
func (h *Handler) SetDefaultPaymentMethod(c *fiber.Ctx) error {
	m, err := h.service.SetDefaultPaymentMethod(c.UserContext(), c.Params("walletId"), c.Params("token"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(toMethodResponse(m))
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, vault.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateWallet):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidInput),
		errors.Is(err, vault.ErrInvalidCard), errors.Is(err, vault.ErrCardExpired):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnknownToken):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrDeclined):
		return fiber.NewError(http.StatusPaymentRequired, err.Error())
	case errors.Is(err, ErrWalletClosed), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotRefundable):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrLedgerBusy):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrProviderTimeout):
		return fiber.NewError(http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, ErrChargePending):
		return fiber.NewError(http.StatusBadGateway, err.Error())
	}
	return fiber.NewError(http.StatusInternalServerError, err.Error())
}
