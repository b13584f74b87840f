package payments

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, time.Hour), mr
}

func testSession(id string, now time.Time) Session {
	return Session{
		ID:        id,
		WalletID:  "w1",
		Amount:    500,
		Currency:  "USD",
		State:     StateCreated,
		Provider:  ProviderApplePay,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestRedisStoreCreateAndGet(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, testSession("ps_1", now)))
	require.ErrorIs(t, store.Create(ctx, testSession("ps_1", now)), ErrAlreadyExists)

	got, err := store.Get(ctx, "ps_1")
	require.NoError(t, err)
	require.Equal(t, StateCreated, got.State)
	require.Equal(t, int64(500), got.Amount)
	require.True(t, got.ExpiresAt.Equal(now.Add(ttl)))

	_, err = store.Get(ctx, "ps_missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreTransitionChecksState(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Create(ctx, testSession("ps_1", now)))

	next, err := store.Transition(ctx, "ps_1", []State{StateCreated}, func(s *Session) error {
		s.State = StateAuthorized
		s.ProviderHandle = "hold"
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, StateAuthorized, next.State)

	current, err := store.Transition(ctx, "ps_1", []State{StateCreated}, func(s *Session) error {
		s.State = StateCanceled
		return nil
	})
	require.ErrorIs(t, err, ErrInvalidState)
	require.Equal(t, StateAuthorized, current.State)
	require.Equal(t, "hold", current.ProviderHandle)

	_, err = store.Transition(ctx, "ps_missing", []State{StateCreated}, func(*Session) error { return nil })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreIndexes(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, testSession("ps_old", now)))
	require.NoError(t, store.Create(ctx, testSession("ps_new", now.Add(10*time.Minute))))

	overdue, err := store.ListExpired(ctx, now.Add(ttl+time.Second), 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	require.Equal(t, "ps_old", overdue[0].ID)

	_, err = store.Transition(ctx, "ps_new", []State{StateCreated}, func(s *Session) error {
		s.State = StateCapturing
		s.UpdatedAt = now.Add(11 * time.Minute)
		return nil
	})
	require.NoError(t, err)
	stale, err := store.ListStale(ctx, StateCapturing, now.Add(12*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "ps_new", stale[0].ID)

	overdue, err = store.ListExpired(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1, "capturing sessions are never expired")

	_, err = store.Transition(ctx, "ps_old", []State{StateCreated}, func(s *Session) error {
		s.State = StateExpired
		s.UpdatedAt = now.Add(ttl)
		return nil
	})
	require.NoError(t, err)
	require.True(t, mr.TTL(sessionKey("ps_old")) > 0, "terminal sessions carry a ttl")
	require.Zero(t, mr.TTL(sessionKey("ps_new")))

	purged, err := store.Purge(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, purged)
	_, err = store.Get(ctx, "ps_old")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManagerOnRedisStoreCapturesOnce(t *testing.T) {
	store, _ := newRedisStore(t)
	h := newHarness(t, store)
	s := h.authorized(t, 4200)

	first, err := h.manager.Capture(context.Background(), s.ID)
	require.NoError(t, err)
	second, err := h.manager.Capture(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, first.TransactionID, second.TransactionID)
	require.Equal(t, int64(4200), h.balance(t))
}
