package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const walletColumns = `id, owner_id, currency, balance, status, auto_top_up, version, tx_seq, created_at, updated_at`

const txColumns = `id, wallet_id, seq, type, amount, balance_after, status, reference,
        COALESCE(idempotency_key, ''), description, failure_reason, created_at`

// PostgresStore persists wallets and their transactions in PostgreSQL. Balance
// changes are guarded by a compare-and-swap on wallets.version.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateWallet(ctx context.Context, input NewWallet) (Wallet, error) {
	if input.InitialBalance < 0 {
		return Wallet{}, ErrInsufficientFunds
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Wallet{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var seq int64
	if input.InitialBalance > 0 {
		seq = 1
	}

	row := tx.QueryRow(ctx, `INSERT INTO wallets (id, owner_id, currency, balance, status, auto_top_up, version, tx_seq)
        VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
        RETURNING `+walletColumns,
		uuid.NewString(), input.OwnerID, input.Currency, input.InitialBalance, StatusActive, AutoTopUp{}, seq)
	w, err := scanWallet(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Wallet{}, ErrAlreadyExists
		}
		return Wallet{}, err
	}

	if input.InitialBalance > 0 {
		if _, err := insertTransaction(ctx, tx, Transaction{
			WalletID:     w.ID,
			Seq:          1,
			Type:         TxAdjustment,
			Amount:       input.InitialBalance,
			BalanceAfter: input.InitialBalance,
			Status:       TxCompleted,
			Description:  "opening balance",
		}); err != nil {
			return Wallet{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Wallet{}, err
	}
	return w, nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, id string) (Wallet, error) {
	return getWallet(ctx, s.db, id)
}

func (s *PostgresStore) GetWalletByOwner(ctx context.Context, ownerID, currency string) (Wallet, error) {
	row := s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1 AND currency = $2`, ownerID, currency)
	w, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, ErrNotFound
	}
	return w, err
}

func (s *PostgresStore) ApplyLedgerOp(ctx context.Context, op Op) (Wallet, Transaction, error) {
	if err := validateOp(op); err != nil {
		return Wallet{}, Transaction{}, err
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Wallet{}, Transaction{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if op.IdempotencyKey != "" {
		existing, err := findByKey(ctx, tx, op.WalletID, op.IdempotencyKey)
		if err == nil {
			w, werr := getWallet(ctx, tx, op.WalletID)
			if werr != nil {
				return Wallet{}, Transaction{}, werr
			}
			return w, existing, ErrDuplicateTransaction
		}
		if !errors.Is(err, ErrNotFound) {
			return Wallet{}, Transaction{}, err
		}
	}

	row := tx.QueryRow(ctx, `UPDATE wallets
        SET balance = balance + $3, version = version + 1, tx_seq = tx_seq + 1, updated_at = now()
        WHERE id = $1 AND version = $2 AND status = 'active' AND balance + $3 >= 0
        RETURNING `+walletColumns, op.WalletID, op.ExpectedVersion, op.Delta)
	w, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, cerr := getWallet(ctx, tx, op.WalletID)
		if cerr != nil {
			return Wallet{}, Transaction{}, cerr
		}
		return current, Transaction{}, diagnose(current, op)
	}
	if err != nil {
		return Wallet{}, Transaction{}, err
	}

	recorded, err := insertTransaction(ctx, tx, Transaction{
		WalletID:       w.ID,
		Seq:            w.TxSeq,
		Type:           op.Type,
		Amount:         op.Delta,
		BalanceAfter:   w.Balance,
		Status:         TxCompleted,
		Reference:      op.Reference,
		IdempotencyKey: op.IdempotencyKey,
		Description:    op.Description,
	})
	if err != nil {
		if isUniqueViolation(err) && op.IdempotencyKey != "" {
			_ = tx.Rollback(ctx)
			return s.duplicate(ctx, op)
		}
		return Wallet{}, Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Wallet{}, Transaction{}, err
	}
	return w, recorded, nil
}

// duplicate resolves a key collision raced past the initial lookup.
func (s *PostgresStore) duplicate(ctx context.Context, op Op) (Wallet, Transaction, error) {
	existing, err := findByKey(ctx, s.db, op.WalletID, op.IdempotencyKey)
	if err != nil {
		return Wallet{}, Transaction{}, err
	}
	w, err := getWallet(ctx, s.db, op.WalletID)
	if err != nil {
		return Wallet{}, Transaction{}, err
	}
	return w, existing, ErrDuplicateTransaction
}

func diagnose(w Wallet, op Op) error {
	switch {
	case w.Version != op.ExpectedVersion:
		return ErrVersionConflict
	case !w.Active():
		return ErrWalletClosed
	case w.Balance+op.Delta < 0:
		return ErrInsufficientFunds
	}
	return ErrVersionConflict
}

func (s *PostgresStore) RecordFailed(ctx context.Context, op FailedOp) (Transaction, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var seq, balance int64
	err = tx.QueryRow(ctx, `UPDATE wallets SET tx_seq = tx_seq + 1 WHERE id = $1 RETURNING tx_seq, balance`, op.WalletID).Scan(&seq, &balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, err
	}

	recorded, err := insertTransaction(ctx, tx, Transaction{
		WalletID:      op.WalletID,
		Seq:           seq,
		Type:          op.Type,
		Amount:        op.Amount,
		BalanceAfter:  balance,
		Status:        TxFailed,
		Reference:     op.Reference,
		Description:   op.Description,
		FailureReason: op.Reason,
	})
	if err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, err
	}
	return recorded, nil
}

func (s *PostgresStore) UpdateWallet(ctx context.Context, id string, expectedVersion int64, update WalletUpdate) (Wallet, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Wallet{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id)
	current, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, ErrNotFound
	}
	if err != nil {
		return Wallet{}, err
	}
	if current.Version != expectedVersion {
		return current, ErrVersionConflict
	}
	if current.Status == StatusClosed {
		return current, ErrWalletClosed
	}

	next := current
	if err := update(&next); err != nil {
		return current, err
	}
	next = preserveLedgerFields(current, next)

	row = tx.QueryRow(ctx, `UPDATE wallets
        SET status = $2, auto_top_up = $3, version = version + 1, updated_at = now()
        WHERE id = $1
        RETURNING `+walletColumns, id, next.Status, next.AutoTopUp)
	updated, err := scanWallet(row)
	if err != nil {
		return Wallet{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Wallet{}, err
	}
	return updated, nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, walletID, txID string) (Transaction, error) {
	row := s.db.QueryRow(ctx, `SELECT `+txColumns+` FROM wallet_transactions WHERE wallet_id = $1 AND id = $2`, walletID, txID)
	t, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) ListTransactions(ctx context.Context, walletID string, filter TxFilter) (TxPage, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return TxPage{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	w, err := getWallet(ctx, tx, walletID)
	if err != nil {
		return TxPage{}, err
	}
	asOf := filter.AsOfSeq
	if asOf <= 0 || asOf > w.TxSeq {
		asOf = w.TxSeq
	}

	where := []string{"wallet_id = $1", "seq <= $2"}
	args := []any{walletID, asOf}
	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	page := TxPage{AsOfSeq: asOf, Transactions: []Transaction{}}
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM wallet_transactions WHERE `+clause, args...).Scan(&page.Total); err != nil {
		return TxPage{}, err
	}

	query := `SELECT ` + txColumns + ` FROM wallet_transactions WHERE ` + clause + ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return TxPage{}, err
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return TxPage{}, err
		}
		page.Transactions = append(page.Transactions, t)
	}
	if err := rows.Err(); err != nil {
		return TxPage{}, err
	}
	return page, nil
}

func (s *PostgresStore) Stats(ctx context.Context, walletID string) (Stats, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Stats{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	w, err := getWallet(ctx, tx, walletID)
	if err != nil {
		return Stats{}, err
	}
	stats := newStats(w)

	rows, err := tx.Query(ctx, `SELECT type, status, COUNT(*), COALESCE(SUM(amount), 0),
            COALESCE(SUM(amount) FILTER (WHERE amount > 0), 0),
            COALESCE(SUM(-amount) FILTER (WHERE amount < 0), 0)
        FROM wallet_transactions
        WHERE wallet_id = $1 AND seq <= $2
        GROUP BY type, status`, walletID, w.TxSeq)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			typ                       TxType
			status                    TxStatus
			count, sum, credit, debit int64
		)
		if err := rows.Scan(&typ, &status, &count, &sum, &credit, &debit); err != nil {
			return Stats{}, err
		}
		stats.add(typ, status, count, sum)
		if status == TxCompleted {
			stats.TotalCredited += credit
			stats.TotalDebited += debit
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getWallet(ctx context.Context, q querier, id string) (Wallet, error) {
	w, err := scanWallet(q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, ErrNotFound
	}
	return w, err
}

func findByKey(ctx context.Context, q querier, walletID, key string) (Transaction, error) {
	row := q.QueryRow(ctx, `SELECT `+txColumns+` FROM wallet_transactions WHERE wallet_id = $1 AND idempotency_key = $2`, walletID, key)
	t, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	return t, err
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error) {
	row := tx.QueryRow(ctx, `INSERT INTO wallet_transactions
        (id, wallet_id, seq, type, amount, balance_after, status, reference, idempotency_key, description, failure_reason)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
        RETURNING `+txColumns,
		uuid.NewString(), t.WalletID, t.Seq, t.Type, t.Amount, t.BalanceAfter, t.Status,
		t.Reference, t.IdempotencyKey, t.Description, t.FailureReason)
	return scanTransaction(row)
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	err := row.Scan(&w.ID, &w.OwnerID, &w.Currency, &w.Balance, &w.Status, &w.AutoTopUp,
		&w.Version, &w.TxSeq, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.WalletID, &t.Seq, &t.Type, &t.Amount, &t.BalanceAfter, &t.Status,
		&t.Reference, &t.IdempotencyKey, &t.Description, &t.FailureReason, &t.CreatedAt)
	return t, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
