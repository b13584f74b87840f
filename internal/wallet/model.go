package wallet

import (
	"errors"
	"time"

	"github.com/congo-pay/walletcore/internal/funding"
	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/vault"
)

var (
	ErrNotFound          = ledger.ErrNotFound
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
	ErrWalletClosed      = ledger.ErrWalletClosed
	ErrDuplicateTx       = ledger.ErrDuplicateTransaction
	ErrUnknownToken      = vault.ErrUnknownToken
	ErrDeclined          = funding.ErrDeclined
	ErrProviderTimeout   = funding.ErrProviderTimeout
	ErrChargePending     = funding.ErrChargePending

	// ErrDuplicateWallet is returned when the owner already has a wallet in the currency.
	ErrDuplicateWallet = errors.New("wallet already exists for owner and currency")

	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidInput covers malformed identifiers, filters and settings.
	ErrInvalidInput = errors.New("invalid input")

	// ErrLedgerBusy means version conflicts persisted past the retry budget.
	// The operation did not apply and may be retried.
	ErrLedgerBusy = errors.New("ledger busy, retry later")

	// ErrInvalidTransition is returned for status changes the wallet cannot make.
	ErrInvalidTransition = errors.New("invalid wallet status transition")

	// ErrNotRefundable is returned when the referenced transaction is not a completed debit.
	ErrNotRefundable = errors.New("transaction is not refundable")
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Details is a wallet together with its vaulted payment methods.
type Details struct {
	Wallet         ledger.Wallet
	PaymentMethods []vault.PaymentMethod
}

// Balance encapsulates available funds for a wallet.
type Balance struct {
	WalletID string
	Amount   int64
	Currency string
	AsOf     time.Time
}

// CreateInput captures data required to create a wallet.
type CreateInput struct {
	OwnerID        string
	Currency       string
	InitialBalance int64
}

// FundInput describes a top-up from a vaulted instrument.
type FundInput struct {
	WalletID    string
	Amount      int64
	Token       string
	Description string
}

// DebitInput describes a withdrawal from the wallet.
type DebitInput struct {
	WalletID    string
	Amount      int64
	Type        ledger.TxType
	Reference   string
	Description string
}

// CreditInput describes a credit from an internal flow such as a captured
// payment session. IdempotencyKey makes it apply at most once.
type CreditInput struct {
	WalletID       string
	Amount         int64
	Type           ledger.TxType
	Reference      string
	IdempotencyKey string
	Description    string
}

// TxQuery selects a page of transaction history. Page is 1-based. AsOfSeq
// should be echoed from the first page to keep later pages stable.
type TxQuery struct {
	Page    int
	Limit   int
	Type    ledger.TxType
	Status  ledger.TxStatus
	AsOfSeq int64
}

// TxPage is one page of history.
type TxPage struct {
	Transactions []ledger.Transaction
	Page         int
	Limit        int
	Total        int
	Pages        int
	AsOfSeq      int64
}
