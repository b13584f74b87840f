package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a wallet or transaction does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a wallet already exists for the owner and currency.
	ErrAlreadyExists = errors.New("wallet already exists")

	// ErrInsufficientFunds occurs when applying a posting would take the balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrWalletClosed is returned when a balance mutation targets a wallet that is not active.
	ErrWalletClosed = errors.New("wallet is not active")

	// ErrVersionConflict signals the wallet changed since it was read. Callers
	// re-read the wallet and retry.
	ErrVersionConflict = errors.New("wallet version conflict")

	// ErrDuplicateTransaction indicates the idempotency key was already used on
	// this wallet. The previously recorded transaction is returned alongside it.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrInvalidOperation is returned for malformed ledger operations.
	ErrInvalidOperation = errors.New("invalid ledger operation")
)

// WalletStatus is the lifecycle status of a wallet.
type WalletStatus string

const (
	StatusActive    WalletStatus = "active"
	StatusSuspended WalletStatus = "suspended"
	StatusClosed    WalletStatus = "closed"
)

// TxType classifies a ledger transaction.
type TxType string

const (
	TxFund       TxType = "fund"
	TxDebit      TxType = "debit"
	TxRefund     TxType = "refund"
	TxAdjustment TxType = "adjustment"
)

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	switch t {
	case TxFund, TxDebit, TxRefund, TxAdjustment:
		return true
	}
	return false
}

// TxStatus is the status of a ledger transaction. Only forward transitions are allowed.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
	TxReversed  TxStatus = "reversed"
)

// Valid reports whether s is a known transaction status.
func (s TxStatus) Valid() bool {
	switch s {
	case TxPending, TxCompleted, TxFailed, TxReversed:
		return true
	}
	return false
}

// AutoTopUp configures automatic funding when the balance drops below a threshold.
type AutoTopUp struct {
	Enabled         bool   `json:"enabled"`
	Threshold       int64  `json:"threshold"`
	Amount          int64  `json:"amount"`
	PaymentMethodID string `json:"payment_method_id,omitempty"`
}

// Wallet is the stored value account. Balance is expressed in minor units of Currency.
type Wallet struct {
	ID        string
	OwnerID   string
	Currency  string
	Balance   int64
	Status    WalletStatus
	AutoTopUp AutoTopUp
	// Version increments on every balance or status change and backs optimistic concurrency.
	Version int64
	// TxSeq is the sequence number of the most recent transaction appended to the wallet.
	TxSeq     int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the wallet accepts balance mutations.
func (w Wallet) Active() bool { return w.Status == StatusActive }

// Transaction is an immutable ledger record.
type Transaction struct {
	ID             string
	WalletID       string
	Seq            int64
	Type           TxType
	Amount         int64
	BalanceAfter   int64
	Status         TxStatus
	Reference      string
	IdempotencyKey string
	Description    string
	FailureReason  string
	CreatedAt      time.Time
}

// NewWallet carries the data needed to open a wallet.
type NewWallet struct {
	OwnerID        string
	Currency       string
	InitialBalance int64
}

// Op describes a single balance mutation.
type Op struct {
	WalletID        string
	Delta           int64
	Type            TxType
	ExpectedVersion int64
	Reference       string
	Description     string
	// IdempotencyKey, when set, makes the op apply at most once per wallet.
	IdempotencyKey string
}

// FailedOp records an attempted balance mutation that could not be applied.
type FailedOp struct {
	WalletID    string
	Amount      int64
	Type        TxType
	Reference   string
	Description string
	Reason      string
}

// TxFilter narrows and pages a transaction listing.
type TxFilter struct {
	Type   TxType
	Status TxStatus
	// AsOfSeq pins the listing to transactions at or below this sequence
	// number. Zero means the current head of the wallet.
	AsOfSeq int64
	Offset  int
	Limit   int
}

// TxPage is one page of a reverse-chronological transaction listing.
type TxPage struct {
	Transactions []Transaction
	AsOfSeq      int64
	Total        int
}

// Aggregate holds a count and signed sum of transaction amounts.
type Aggregate struct {
	Count int64 `json:"count"`
	Sum   int64 `json:"sum"`
}

// Stats summarises a wallet's transaction history from a single snapshot.
type Stats struct {
	WalletID      string
	Balance       int64
	AsOfSeq       int64
	Count         int64
	TotalCredited int64
	TotalDebited  int64
	ByType        map[TxType]Aggregate
	ByStatus      map[TxStatus]Aggregate
}

func newStats(w Wallet) Stats {
	return Stats{
		WalletID: w.ID,
		Balance:  w.Balance,
		AsOfSeq:  w.TxSeq,
		ByType:   make(map[TxType]Aggregate),
		ByStatus: make(map[TxStatus]Aggregate),
	}
}

func (s *Stats) add(typ TxType, status TxStatus, count, sum int64) {
	s.Count += count
	t := s.ByType[typ]
	t.Count += count
	t.Sum += sum
	s.ByType[typ] = t
	st := s.ByStatus[status]
	st.Count += count
	st.Sum += sum
	s.ByStatus[status] = st
}

// WalletUpdate mutates non-balance fields of a wallet (status, settings).
type WalletUpdate func(w *Wallet) error

// Store is the durable ledger boundary. ApplyLedgerOp is the only way to change a balance.
type Store interface {
	CreateWallet(ctx context.Context, input NewWallet) (Wallet, error)
	GetWallet(ctx context.Context, id string) (Wallet, error)
	GetWalletByOwner(ctx context.Context, ownerID, currency string) (Wallet, error)
	ApplyLedgerOp(ctx context.Context, op Op) (Wallet, Transaction, error)
	RecordFailed(ctx context.Context, op FailedOp) (Transaction, error)
	UpdateWallet(ctx context.Context, id string, expectedVersion int64, update WalletUpdate) (Wallet, error)
	GetTransaction(ctx context.Context, walletID, txID string) (Transaction, error)
	ListTransactions(ctx context.Context, walletID string, filter TxFilter) (TxPage, error)
	Stats(ctx context.Context, walletID string) (Stats, error)
}

func validateOp(op Op) error {
	if op.WalletID == "" || op.Delta == 0 || !op.Type.Valid() {
		return ErrInvalidOperation
	}
	return nil
}
