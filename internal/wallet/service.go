package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/walletcore/internal/amount"
	"github.com/congo-pay/walletcore/internal/funding"
	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/notification"
	"github.com/congo-pay/walletcore/internal/vault"
)

const (
	defaultCurrency    = "USD"
	defaultMaxAttempts = 5
	defaultPortTimeout = 10 * time.Second
	defaultRetryDelay  = 5 * time.Millisecond
)

// Service exposes wallet operations backed by the ledger store. It is the only
// component that turns business requests into ledger ops.
type Service struct {
	store       ledger.Store
	vault       *vault.Service
	acquirer    funding.Acquirer
	notifier    notification.Notifier
	logger      *slog.Logger
	currency    string
	maxAttempts int
	portTimeout time.Duration
	retryDelay  time.Duration
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithNotifier sets the notifier used for wallet events.
func WithNotifier(n notification.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithDefaultCurrency sets the currency used when none is supplied.
func WithDefaultCurrency(code string) Option {
	return func(s *Service) { s.currency = code }
}

// WithMaxAttempts bounds ledger retries on version conflicts.
func WithMaxAttempts(n int) Option {
	return func(s *Service) { s.maxAttempts = n }
}

// WithPortTimeout bounds calls to the acquirer.
func WithPortTimeout(d time.Duration) Option {
	return func(s *Service) { s.portTimeout = d }
}

// WithRetryDelay sets the initial backoff between ledger retries.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Service) { s.retryDelay = d }
}

// NewService builds a wallet service instance.
func NewService(store ledger.Store, vaultSvc *vault.Service, acquirer funding.Acquirer, opts ...Option) *Service {
	s := &Service{
		store:       store,
		vault:       vaultSvc,
		acquirer:    acquirer,
		currency:    defaultCurrency,
		maxAttempts: defaultMaxAttempts,
		portTimeout: defaultPortTimeout,
		retryDelay:  defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.acquirer == nil {
		s.acquirer = &funding.StaticAcquirer{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = 1
	}
	return s
}

// Create provisions a wallet. Currency defaults to the service default and is
// validated as ISO-4217.
func (s *Service) Create(ctx context.Context, input CreateInput) (ledger.Wallet, error) {
	owner := strings.TrimSpace(input.OwnerID)
	if owner == "" {
		return ledger.Wallet{}, fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	if input.InitialBalance < 0 {
		return ledger.Wallet{}, fmt.Errorf("%w: initial balance must not be negative", ErrInvalidInput)
	}
	code := input.Currency
	if code == "" {
		code = s.currency
	}
	currency, err := amount.NormalizeCurrency(code)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	w, err := s.store.CreateWallet(ctx, ledger.NewWallet{OwnerID: owner, Currency: currency, InitialBalance: input.InitialBalance})
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyExists) {
			return ledger.Wallet{}, ErrDuplicateWallet
		}
		return ledger.Wallet{}, err
	}

	s.logger.Info("wallet created", "wallet_id", w.ID, "owner_id", owner, "currency", currency)
	s.notify(ctx, notification.KindWalletCreated, w.OwnerID, fmt.Sprintf("Wallet %s opened in %s", w.ID, currency))
	return w, nil
}

// Get retrieves a wallet and its payment methods.
func (s *Service) Get(ctx context.Context, id string) (Details, error) {
	w, err := s.store.GetWallet(ctx, id)
	if err != nil {
		return Details{}, err
	}
	methods, err := s.vault.List(ctx, id)
	if err != nil {
		return Details{}, err
	}
	return Details{Wallet: w, PaymentMethods: methods}, nil
}

// GetByOwner retrieves the owner's wallet in currency.
func (s *Service) GetByOwner(ctx context.Context, ownerID, currency string) (Details, error) {
	if currency == "" {
		currency = s.currency
	}
	code, err := amount.NormalizeCurrency(currency)
	if err != nil {
		return Details{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	w, err := s.store.GetWalletByOwner(ctx, ownerID, code)
	if err != nil {
		return Details{}, err
	}
	return s.Get(ctx, w.ID)
}

// Balance returns the current balance for the wallet.
func (s *Service) Balance(ctx context.Context, id string) (Balance, error) {
	w, err := s.store.GetWallet(ctx, id)
	if err != nil {
		return Balance{}, err
	}
	return Balance{WalletID: w.ID, Amount: w.Balance, Currency: w.Currency, AsOf: time.Now().UTC()}, nil
}

// AddFunds authorizes amount against a vaulted token and credits the wallet.
// When the authorization succeeds but the credit cannot be booked, a failed
// transaction referencing the charge is recorded and the charge is released.
func (s *Service) AddFunds(ctx context.Context, input FundInput) (ledger.Transaction, error) {
	if input.Amount <= 0 {
		return ledger.Transaction{}, ErrInvalidAmount
	}
	w, err := s.store.GetWallet(ctx, input.WalletID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if !w.Active() {
		return ledger.Transaction{}, ErrWalletClosed
	}
	method, err := s.vault.Resolve(ctx, w.ID, input.Token)
	if err != nil {
		return ledger.Transaction{}, err
	}

	charge := funding.Charge{
		Reference: "fund_" + uuid.NewString(),
		Token:     method.ID,
		Amount:    input.Amount,
		Currency:  w.Currency,
	}
	portCtx, cancel := context.WithTimeout(ctx, s.portTimeout)
	handle, err := s.acquirer.Authorize(portCtx, charge)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrProviderTimeout
		}
		s.recordFailed(ctx, w, input, charge.Reference, err)
		return ledger.Transaction{}, fmt.Errorf("authorize funding: %w", err)
	}

	_, tx, err := s.apply(ctx, w.ID, func(current ledger.Wallet) (ledger.Op, error) {
		if !current.Active() {
			return ledger.Op{}, ErrWalletClosed
		}
		return ledger.Op{
			WalletID:        current.ID,
			Delta:           input.Amount,
			Type:            ledger.TxFund,
			ExpectedVersion: current.Version,
			Reference:       handle.ID,
			Description:     input.Description,
			IdempotencyKey:  "charge:" + handle.ID,
		}, nil
	})
	if errors.Is(err, ErrDuplicateTx) {
		return tx, nil
	}
	if err != nil {
		s.recordFailed(ctx, w, input, handle.ID, err)
		s.release(ctx, handle)
		return ledger.Transaction{}, err
	}

	s.logger.Info("wallet funded", "wallet_id", w.ID, "tx_id", tx.ID, "amount", input.Amount, "charge_id", handle.ID)
	s.notify(ctx, notification.KindWalletFunded, w.OwnerID,
		fmt.Sprintf("%s added to wallet %s", amount.Format(input.Amount, w.Currency), w.ID))
	return tx, nil
}

func (s *Service) recordFailed(ctx context.Context, w ledger.Wallet, input FundInput, reference string, cause error) {
	tx, err := s.store.RecordFailed(context.WithoutCancel(ctx), ledger.FailedOp{
		WalletID:    w.ID,
		Amount:      input.Amount,
		Type:        ledger.TxFund,
		Reference:   reference,
		Description: input.Description,
		Reason:      cause.Error(),
	})
	if err != nil {
		s.logger.Error("record failed funding", "wallet_id", w.ID, "reference", reference, "error", err)
		return
	}
	s.logger.Warn("wallet funding failed", "wallet_id", w.ID, "tx_id", tx.ID, "reference", reference, "reason", cause.Error())
	s.notify(ctx, notification.KindFundingFailed, w.OwnerID, fmt.Sprintf("Funding of %s failed", amount.Format(input.Amount, w.Currency)))
}

func (s *Service) release(ctx context.Context, handle funding.ChargeHandle) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.portTimeout)
	defer cancel()
	if err := s.acquirer.Release(releaseCtx, handle); err != nil {
		s.logger.Error("release charge failed", "charge_id", handle.ID, "reference", handle.Reference, "error", err)
	}
}

// Debit withdraws amount from the wallet. Type defaults to debit.
func (s *Service) Debit(ctx context.Context, input DebitInput) (ledger.Transaction, error) {
	if input.Amount <= 0 {
		return ledger.Transaction{}, ErrInvalidAmount
	}
	typ := input.Type
	if typ == "" {
		typ = ledger.TxDebit
	}
	if typ != ledger.TxDebit && typ != ledger.TxAdjustment {
		return ledger.Transaction{}, fmt.Errorf("%w: debit type %q", ErrInvalidInput, typ)
	}

	w, tx, err := s.apply(ctx, input.WalletID, func(current ledger.Wallet) (ledger.Op, error) {
		if !current.Active() {
			return ledger.Op{}, ErrWalletClosed
		}
		if current.Balance < input.Amount {
			return ledger.Op{}, ErrInsufficientFunds
		}
		return ledger.Op{
			WalletID:        current.ID,
			Delta:           -input.Amount,
			Type:            typ,
			ExpectedVersion: current.Version,
			Reference:       input.Reference,
			Description:     input.Description,
		}, nil
	})
	if err != nil {
		return ledger.Transaction{}, err
	}

	s.logger.Info("wallet debited", "wallet_id", w.ID, "tx_id", tx.ID, "amount", input.Amount, "balance", w.Balance)
	s.notify(ctx, notification.KindWalletDebited, w.OwnerID,
		fmt.Sprintf("%s debited from wallet %s", amount.Format(input.Amount, w.Currency), w.ID))
	s.autoTopUp(ctx, w)
	return tx, nil
}

// Credit books an internal credit. A replayed IdempotencyKey returns the
// original transaction together with ErrDuplicateTx.
func (s *Service) Credit(ctx context.Context, input CreditInput) (ledger.Transaction, error) {
	if input.Amount <= 0 {
		return ledger.Transaction{}, ErrInvalidAmount
	}
	typ := input.Type
	if typ == "" {
		typ = ledger.TxFund
	}

	// The store resolves a replayed key before it checks wallet status, so a
	// credit booked before a suspension is still found.
	w, tx, err := s.apply(ctx, input.WalletID, func(current ledger.Wallet) (ledger.Op, error) {
		return ledger.Op{
			WalletID:        current.ID,
			Delta:           input.Amount,
			Type:            typ,
			ExpectedVersion: current.Version,
			Reference:       input.Reference,
			Description:     input.Description,
			IdempotencyKey:  input.IdempotencyKey,
		}, nil
	})
	if err != nil {
		return tx, err
	}
	s.logger.Info("wallet credited", "wallet_id", w.ID, "tx_id", tx.ID, "amount", input.Amount, "reference", input.Reference)
	return tx, nil
}

// Refund credits back a completed debit. Each debit is refunded at most once;
// repeating the call returns the existing refund.
func (s *Service) Refund(ctx context.Context, walletID, txID string) (ledger.Transaction, error) {
	original, err := s.store.GetTransaction(ctx, walletID, txID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if original.Type != ledger.TxDebit || original.Status != ledger.TxCompleted {
		return ledger.Transaction{}, ErrNotRefundable
	}

	w, tx, err := s.apply(ctx, walletID, func(current ledger.Wallet) (ledger.Op, error) {
		return ledger.Op{
			WalletID:        current.ID,
			Delta:           -original.Amount,
			Type:            ledger.TxRefund,
			ExpectedVersion: current.Version,
			Reference:       original.ID,
			Description:     "refund of " + original.ID,
			IdempotencyKey:  "refund:" + original.ID,
		}, nil
	})
	if errors.Is(err, ErrDuplicateTx) {
		return tx, nil
	}
	if err != nil {
		return ledger.Transaction{}, err
	}

	s.logger.Info("wallet refunded", "wallet_id", w.ID, "tx_id", tx.ID, "original_tx_id", original.ID, "amount", tx.Amount)
	s.notify(ctx, notification.KindWalletRefunded, w.OwnerID,
		fmt.Sprintf("%s refunded to wallet %s", amount.Format(tx.Amount, w.Currency), w.ID))
	return tx, nil
}

// GetTransactions returns a reverse-chronological page of history.
func (s *Service) GetTransactions(ctx context.Context, walletID string, q TxQuery) (TxPage, error) {
	if q.Type != "" && !q.Type.Valid() {
		return TxPage{}, fmt.Errorf("%w: type %q", ErrInvalidInput, q.Type)
	}
	if q.Status != "" && !q.Status.Valid() {
		return TxPage{}, fmt.Errorf("%w: status %q", ErrInvalidInput, q.Status)
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = defaultPageSize
	}
	if q.Limit > maxPageSize {
		q.Limit = maxPageSize
	}

	page, err := s.store.ListTransactions(ctx, walletID, ledger.TxFilter{
		Type:    q.Type,
		Status:  q.Status,
		AsOfSeq: q.AsOfSeq,
		Offset:  (q.Page - 1) * q.Limit,
		Limit:   q.Limit,
	})
	if err != nil {
		return TxPage{}, err
	}
	return TxPage{
		Transactions: page.Transactions,
		Page:         q.Page,
		Limit:        q.Limit,
		Total:        page.Total,
		Pages:        (page.Total + q.Limit - 1) / q.Limit,
		AsOfSeq:      page.AsOfSeq,
	}, nil
}

// GetStats summarises the wallet's history from one snapshot.
func (s *Service) GetStats(ctx context.Context, walletID string) (ledger.Stats, error) {
	return s.store.Stats(ctx, walletID)
}

func (s *Service) notify(ctx context.Context, kind, destination, body string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, notification.Message{Kind: kind, Destination: destination, Body: body}); err != nil {
		s.logger.Warn("notification failed", "kind", kind, "error", err)
	}
}

func opResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDuplicateTx):
		return "duplicate"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrWalletClosed):
		return "wallet_closed"
	case errors.Is(err, ErrLedgerBusy):
		return "busy"
	}
	return "error"
}
