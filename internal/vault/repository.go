package vault

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists payment method metadata. Implementations keep at most
// one default per wallet and make the first method added the default.
type Repository interface {
	Add(ctx context.Context, method PaymentMethod) (PaymentMethod, error)
	Get(ctx context.Context, walletID, id string) (PaymentMethod, error)
	List(ctx context.Context, walletID string) ([]PaymentMethod, error)
	FindByFingerprint(ctx context.Context, walletID, fingerprint string) (PaymentMethod, error)
	// Remove deletes a method. If it was the default, the oldest remaining
	// method is promoted.
	Remove(ctx context.Context, walletID, id string) error
	SetDefault(ctx context.Context, walletID, id string) (PaymentMethod, error)
	RemoveAll(ctx context.Context, walletID string) (int, error)
}

const methodColumns = `id, wallet_id, type, brand, last4, fingerprint, is_default, created_at`

// PostgresRepository stores payment methods in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// lockWallet serialises default bookkeeping for one wallet inside tx.
func lockWallet(ctx context.Context, tx pgx.Tx, walletID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('payment_methods:' || $1))`, walletID)
	return err
}

// Add inserts a payment method, making it default when it is the wallet's first.
func (r *PostgresRepository) Add(ctx context.Context, method PaymentMethod) (PaymentMethod, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return PaymentMethod{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := lockWallet(ctx, tx, method.WalletID); err != nil {
		return PaymentMethod{}, err
	}

	var existing int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM payment_methods WHERE wallet_id = $1`, method.WalletID).Scan(&existing); err != nil {
		return PaymentMethod{}, err
	}

	row := tx.QueryRow(ctx, `INSERT INTO payment_methods (id, wallet_id, type, brand, last4, fingerprint, is_default, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING `+methodColumns,
		method.ID, method.WalletID, method.Type, method.Brand, method.Last4, method.Fingerprint, existing == 0, method.CreatedAt.UTC())
	stored, err := scanMethod(row)
	if err != nil {
		return PaymentMethod{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return PaymentMethod{}, err
	}
	return stored, nil
}

// Get fetches a payment method scoped to a wallet.
func (r *PostgresRepository) Get(ctx context.Context, walletID, id string) (PaymentMethod, error) {
	row := r.db.QueryRow(ctx, `SELECT `+methodColumns+` FROM payment_methods WHERE wallet_id = $1 AND id = $2`, walletID, id)
	m, err := scanMethod(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return PaymentMethod{}, ErrNotFound
	}
	return m, err
}

// List returns the wallet's methods oldest first.
func (r *PostgresRepository) List(ctx context.Context, walletID string) ([]PaymentMethod, error) {
	rows, err := r.db.Query(ctx, `SELECT `+methodColumns+` FROM payment_methods WHERE wallet_id = $1 ORDER BY created_at, id`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	methods := []PaymentMethod{}
	for rows.Next() {
		m, err := scanMethod(rows)
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	return methods, rows.Err()
}

// FindByFingerprint looks up a card already vaulted for the wallet.
func (r *PostgresRepository) FindByFingerprint(ctx context.Context, walletID, fingerprint string) (PaymentMethod, error) {
	row := r.db.QueryRow(ctx, `SELECT `+methodColumns+` FROM payment_methods WHERE wallet_id = $1 AND fingerprint = $2`, walletID, fingerprint)
	m, err := scanMethod(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return PaymentMethod{}, ErrNotFound
	}
	return m, err
}

// Remove deletes a method and promotes the oldest remaining one if needed.
func (r *PostgresRepository) Remove(ctx context.Context, walletID, id string) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := lockWallet(ctx, tx, walletID); err != nil {
		return err
	}

	var wasDefault bool
	err = tx.QueryRow(ctx, `DELETE FROM payment_methods WHERE wallet_id = $1 AND id = $2 RETURNING is_default`, walletID, id).Scan(&wasDefault)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if wasDefault {
		if _, err := tx.Exec(ctx, `UPDATE payment_methods SET is_default = true
            WHERE id = (SELECT id FROM payment_methods WHERE wallet_id = $1 ORDER BY created_at, id LIMIT 1)`, walletID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// SetDefault moves the default flag to the given method.
func (r *PostgresRepository) SetDefault(ctx context.Context, walletID, id string) (PaymentMethod, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return PaymentMethod{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := lockWallet(ctx, tx, walletID); err != nil {
		return PaymentMethod{}, err
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_methods WHERE wallet_id = $1 AND id = $2)`, walletID, id).Scan(&exists); err != nil {
		return PaymentMethod{}, err
	}
	if !exists {
		return PaymentMethod{}, ErrNotFound
	}

	if _, err := tx.Exec(ctx, `UPDATE payment_methods SET is_default = false WHERE wallet_id = $1 AND is_default AND id <> $2`, walletID, id); err != nil {
		return PaymentMethod{}, err
	}
	row := tx.QueryRow(ctx, `UPDATE payment_methods SET is_default = true WHERE id = $1 RETURNING `+methodColumns, id)
	m, err := scanMethod(row)
	if err != nil {
		return PaymentMethod{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return PaymentMethod{}, err
	}
	return m, nil
}

// RemoveAll deletes every method for the wallet.
func (r *PostgresRepository) RemoveAll(ctx context.Context, walletID string) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM payment_methods WHERE wallet_id = $1`, walletID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanMethod(row pgx.Row) (PaymentMethod, error) {
	var m PaymentMethod
	err := row.Scan(&m.ID, &m.WalletID, &m.Type, &m.Brand, &m.Last4, &m.Fingerprint, &m.IsDefault, &m.CreatedAt)
	return m, err
}
