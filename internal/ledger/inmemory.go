package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type walletEntry struct {
	mu     sync.RWMutex
	wallet Wallet
	txs    []Transaction
	byKey  map[string]int
}

type inMemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*walletEntry
	owners  map[string]string
}

// NewInMemory creates a concurrency-safe in-memory ledger store useful for
// unit tests and development. Locking is scoped per wallet.
func NewInMemory() Store {
	return &inMemoryStore{
		wallets: make(map[string]*walletEntry),
		owners:  make(map[string]string),
	}
}

func ownerKey(ownerID, currency string) string { return ownerID + "|" + currency }

func (s *inMemoryStore) entry(id string) (*walletEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.wallets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *inMemoryStore) CreateWallet(_ context.Context, input NewWallet) (Wallet, error) {
	if input.InitialBalance < 0 {
		return Wallet{}, ErrInsufficientFunds
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownerKey(input.OwnerID, input.Currency)
	if _, exists := s.owners[key]; exists {
		return Wallet{}, ErrAlreadyExists
	}

	now := time.Now().UTC()
	e := &walletEntry{
		wallet: Wallet{
			ID:        uuid.NewString(),
			OwnerID:   input.OwnerID,
			Currency:  input.Currency,
			Status:    StatusActive,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		},
		byKey: make(map[string]int),
	}
	if input.InitialBalance > 0 {
		e.wallet.Balance = input.InitialBalance
		e.wallet.TxSeq = 1
		e.txs = append(e.txs, Transaction{
			ID:           uuid.NewString(),
			WalletID:     e.wallet.ID,
			Seq:          1,
			Type:         TxAdjustment,
			Amount:       input.InitialBalance,
			BalanceAfter: input.InitialBalance,
			Status:       TxCompleted,
			Description:  "opening balance",
			CreatedAt:    now,
		})
	}

	s.wallets[e.wallet.ID] = e
	s.owners[key] = e.wallet.ID
	return e.wallet, nil
}

func (s *inMemoryStore) GetWallet(_ context.Context, id string) (Wallet, error) {
	e, err := s.entry(id)
	if err != nil {
		return Wallet{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.wallet, nil
}

func (s *inMemoryStore) GetWalletByOwner(ctx context.Context, ownerID, currency string) (Wallet, error) {
	s.mu.RLock()
	id, ok := s.owners[ownerKey(ownerID, currency)]
	s.mu.RUnlock()
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return s.GetWallet(ctx, id)
}

func (s *inMemoryStore) ApplyLedgerOp(_ context.Context, op Op) (Wallet, Transaction, error) {
	if err := validateOp(op); err != nil {
		return Wallet{}, Transaction{}, err
	}
	e, err := s.entry(op.WalletID)
	if err != nil {
		return Wallet{}, Transaction{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if op.IdempotencyKey != "" {
		if i, exists := e.byKey[op.IdempotencyKey]; exists {
			return e.wallet, e.txs[i], ErrDuplicateTransaction
		}
	}
	if e.wallet.Version != op.ExpectedVersion {
		return e.wallet, Transaction{}, ErrVersionConflict
	}
	if !e.wallet.Active() {
		return e.wallet, Transaction{}, ErrWalletClosed
	}
	if e.wallet.Balance+op.Delta < 0 {
		return e.wallet, Transaction{}, ErrInsufficientFunds
	}

	now := time.Now().UTC()
	w := e.wallet
	w.Balance += op.Delta
	w.Version++
	w.TxSeq++
	w.UpdatedAt = now

	tx := Transaction{
		ID:             uuid.NewString(),
		WalletID:       w.ID,
		Seq:            w.TxSeq,
		Type:           op.Type,
		Amount:         op.Delta,
		BalanceAfter:   w.Balance,
		Status:         TxCompleted,
		Reference:      op.Reference,
		IdempotencyKey: op.IdempotencyKey,
		Description:    op.Description,
		CreatedAt:      now,
	}

	e.wallet = w
	e.txs = append(e.txs, tx)
	if op.IdempotencyKey != "" {
		e.byKey[op.IdempotencyKey] = len(e.txs) - 1
	}
	return w, tx, nil
}

func (s *inMemoryStore) RecordFailed(_ context.Context, op FailedOp) (Transaction, error) {
	e, err := s.entry(op.WalletID)
	if err != nil {
		return Transaction{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.wallet.TxSeq++
	tx := Transaction{
		ID:            uuid.NewString(),
		WalletID:      e.wallet.ID,
		Seq:           e.wallet.TxSeq,
		Type:          op.Type,
		Amount:        op.Amount,
		BalanceAfter:  e.wallet.Balance,
		Status:        TxFailed,
		Reference:     op.Reference,
		Description:   op.Description,
		FailureReason: op.Reason,
		CreatedAt:     time.Now().UTC(),
	}
	e.txs = append(e.txs, tx)
	return tx, nil
}

func (s *inMemoryStore) UpdateWallet(_ context.Context, id string, expectedVersion int64, update WalletUpdate) (Wallet, error) {
	e, err := s.entry(id)
	if err != nil {
		return Wallet{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.wallet.Version != expectedVersion {
		return e.wallet, ErrVersionConflict
	}
	if e.wallet.Status == StatusClosed {
		return e.wallet, ErrWalletClosed
	}

	next := e.wallet
	if err := update(&next); err != nil {
		return e.wallet, err
	}
	next = preserveLedgerFields(e.wallet, next)
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	e.wallet = next
	return next, nil
}

// preserveLedgerFields discards changes an update must never make.
func preserveLedgerFields(prev, next Wallet) Wallet {
	next.ID = prev.ID
	next.OwnerID = prev.OwnerID
	next.Currency = prev.Currency
	next.Balance = prev.Balance
	next.Version = prev.Version
	next.TxSeq = prev.TxSeq
	next.CreatedAt = prev.CreatedAt
	return next
}

func (s *inMemoryStore) GetTransaction(_ context.Context, walletID, txID string) (Transaction, error) {
	e, err := s.entry(walletID)
	if err != nil {
		return Transaction{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, tx := range e.txs {
		if tx.ID == txID {
			return tx, nil
		}
	}
	return Transaction{}, ErrNotFound
}

func (s *inMemoryStore) ListTransactions(_ context.Context, walletID string, filter TxFilter) (TxPage, error) {
	e, err := s.entry(walletID)
	if err != nil {
		return TxPage{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	asOf := filter.AsOfSeq
	if asOf <= 0 || asOf > e.wallet.TxSeq {
		asOf = e.wallet.TxSeq
	}

	page := TxPage{AsOfSeq: asOf, Transactions: []Transaction{}}
	for i := len(e.txs) - 1; i >= 0; i-- {
		tx := e.txs[i]
		if tx.Seq > asOf || !matches(tx, filter) {
			continue
		}
		if page.Total >= filter.Offset && (filter.Limit <= 0 || len(page.Transactions) < filter.Limit) {
			page.Transactions = append(page.Transactions, tx)
		}
		page.Total++
	}
	return page, nil
}

func matches(tx Transaction, filter TxFilter) bool {
	if filter.Type != "" && tx.Type != filter.Type {
		return false
	}
	if filter.Status != "" && tx.Status != filter.Status {
		return false
	}
	return true
}

func (s *inMemoryStore) Stats(_ context.Context, walletID string) (Stats, error) {
	e, err := s.entry(walletID)
	if err != nil {
		return Stats{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := newStats(e.wallet)
	for _, tx := range e.txs {
		stats.add(tx.Type, tx.Status, 1, tx.Amount)
		if tx.Status != TxCompleted {
			continue
		}
		if tx.Amount > 0 {
			stats.TotalCredited += tx.Amount
		} else {
			stats.TotalDebited -= tx.Amount
		}
	}
	return stats, nil
}
