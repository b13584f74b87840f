package vault

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/walletcore/internal/infra"
)

// newPostgresRepository runs against WALLETCORE_TEST_DATABASE_URL and skips when it is unset.
func newPostgresRepository(t *testing.T) (*PostgresRepository, *pgxpool.Pool) {
	t.Helper()
	url := os.Getenv("WALLETCORE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("WALLETCORE_TEST_DATABASE_URL not set")
	}
	require.NoError(t, infra.Migrate(url))
	pool, err := infra.NewPostgresPool(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewPostgresRepository(pool), pool
}

func insertWallet(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	id := uuid.NewString()
	_, err := pool.Exec(context.Background(), `INSERT INTO wallets (id, owner_id, currency) VALUES ($1, $2, 'USD')`, id, "pg-"+id)
	require.NoError(t, err)
	return id
}

func TestPostgresRepositoryDefaultInvariant(t *testing.T) {
	repo, pool := newPostgresRepository(t)
	ctx := context.Background()
	walletID := insertWallet(t, pool)
	created := time.Now().UTC().Truncate(time.Millisecond)

	first, err := repo.Add(ctx, PaymentMethod{ID: uuid.NewString(), WalletID: walletID, Type: InstrumentCard, Brand: "visa", Last4: "4242", Fingerprint: "fp-1", CreatedAt: created})
	require.NoError(t, err)
	require.True(t, first.IsDefault)

	second, err := repo.Add(ctx, PaymentMethod{ID: uuid.NewString(), WalletID: walletID, Type: InstrumentCard, Brand: "mastercard", Last4: "4444", Fingerprint: "fp-2", CreatedAt: created.Add(time.Second)})
	require.NoError(t, err)
	require.False(t, second.IsDefault)

	found, err := repo.FindByFingerprint(ctx, walletID, "fp-2")
	require.NoError(t, err)
	require.Equal(t, second.ID, found.ID)

	_, err = repo.SetDefault(ctx, walletID, second.ID)
	require.NoError(t, err)
	methods, err := repo.List(ctx, walletID)
	require.NoError(t, err)
	require.Equal(t, 1, defaults(methods))

	require.NoError(t, repo.Remove(ctx, walletID, second.ID))
	promoted, err := repo.Get(ctx, walletID, first.ID)
	require.NoError(t, err)
	require.True(t, promoted.IsDefault)

	require.ErrorIs(t, repo.Remove(ctx, walletID, second.ID), ErrNotFound)
	_, err = repo.SetDefault(ctx, walletID, second.ID)
	require.ErrorIs(t, err, ErrNotFound)

	n, err := repo.RemoveAll(ctx, walletID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = repo.Get(ctx, walletID, first.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
