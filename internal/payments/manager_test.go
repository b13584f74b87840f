package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/congo-pay/walletcore/internal/funding"
	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/logging"
	"github.com/congo-pay/walletcore/internal/notification"
	"github.com/congo-pay/walletcore/internal/vault"
	"github.com/congo-pay/walletcore/internal/wallet"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingProvider struct {
	mu         sync.Mutex
	decline    bool
	err        error
	authorized int
	released   []string
}

func (p *recordingProvider) Authorize(_ context.Context, s Session, _ Payload) (Authorization, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return Authorization{}, p.err
	}
	if p.decline {
		return Authorization{}, ErrAuthorizationDeclined
	}
	p.authorized++
	return Authorization{Handle: "hold-" + s.ID}, nil
}

func (p *recordingProvider) Release(_ context.Context, s Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, s.ProviderHandle)
	return nil
}

func (p *recordingProvider) Released() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.released...)
}

type harness struct {
	manager  *Manager
	store    Store
	wallets  *wallet.Service
	walletID string
	clock    *fakeClock
	provider *recordingProvider
	notes    *notification.Recorder
}

const ttl = 15 * time.Minute

func newHarness(t *testing.T, store Store) harness {
	t.Helper()
	vaultSvc := vault.NewService(vault.NewMemoryRepository(), vault.NewLocalTokenizer("k"), logging.Discard())
	wallets := wallet.NewService(ledger.NewInMemory(), vaultSvc, &funding.StaticAcquirer{},
		wallet.WithLogger(logging.Discard()), wallet.WithRetryDelay(time.Millisecond), wallet.WithMaxAttempts(20))
	w, err := wallets.Create(context.Background(), wallet.CreateInput{OwnerID: "u1"})
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	provider := &recordingProvider{}
	notes := &notification.Recorder{}
	if store == nil {
		store = NewMemoryStore()
	}
	manager := NewManager(store, wallets, map[ProviderKind]Provider{
		ProviderApplePay:  provider,
		ProviderGooglePay: provider,
	}, WithClock(clock.Now), WithTTL(ttl), WithNotifier(notes), WithCaptureGrace(time.Minute))
	return harness{manager: manager, store: store, wallets: wallets, walletID: w.ID, clock: clock, provider: provider, notes: notes}
}

func (h harness) session(t *testing.T, amount int64) Session {
	t.Helper()
	s, err := h.manager.InitSession(context.Background(), InitInput{WalletID: h.walletID, Amount: amount, Provider: ProviderApplePay})
	require.NoError(t, err)
	require.Equal(t, StateCreated, s.State)
	return s
}

func (h harness) authorized(t *testing.T, amount int64) Session {
	t.Helper()
	s := h.session(t, amount)
	s, err := h.manager.Authorize(context.Background(), s.ID, Payload{Token: "pay-token"})
	require.NoError(t, err)
	require.Equal(t, StateAuthorized, s.State)
	return s
}

func (h harness) balance(t *testing.T) int64 {
	t.Helper()
	b, err := h.wallets.Balance(context.Background(), h.walletID)
	require.NoError(t, err)
	return b.Amount
}

func TestInitSessionDefaultsToWalletCurrency(t *testing.T) {
	h := newHarness(t, nil)
	s := h.session(t, 2500)
	require.Equal(t, "USD", s.Currency)
	require.Equal(t, h.clock.Now().Add(ttl), s.ExpiresAt)
}

func TestInitSessionRejections(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.manager.InitSession(ctx, InitInput{WalletID: h.walletID, Amount: 0, Provider: ProviderApplePay})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = h.manager.InitSession(ctx, InitInput{WalletID: h.walletID, Amount: 100, Provider: "paypal"})
	require.ErrorIs(t, err, ErrUnknownProvider)

	_, err = h.manager.InitSession(ctx, InitInput{WalletID: h.walletID, Amount: 100, Currency: "eur", Provider: ProviderApplePay})
	require.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = h.manager.InitSession(ctx, InitInput{WalletID: "missing", Amount: 100, Provider: ProviderApplePay})
	require.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = h.wallets.Suspend(ctx, h.walletID)
	require.NoError(t, err)
	_, err = h.manager.InitSession(ctx, InitInput{WalletID: h.walletID, Amount: 100, Provider: ProviderApplePay})
	require.ErrorIs(t, err, ErrWalletNotActive)
}

func TestDoubleCaptureCreditsOnce(t *testing.T) {
	h := newHarness(t, nil)
	s := h.authorized(t, 2500)

	first, err := h.manager.Capture(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, StateCaptured, first.State)
	require.NotEmpty(t, first.TransactionID)
	require.Equal(t, int64(2500), first.CapturedAmount)

	second, err := h.manager.Capture(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, first.TransactionID, second.TransactionID)
	require.Equal(t, int64(2500), h.balance(t))
	require.Contains(t, h.notes.Kinds(), notification.KindSessionCapture)
}

func TestConcurrentCapturesCreditOnce(t *testing.T) {
	h := newHarness(t, nil)
	s := h.authorized(t, 1000)

	const workers = 8
	var wg sync.WaitGroup
	txIDs := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := h.manager.Capture(context.Background(), s.ID)
			if err == nil {
				txIDs <- got.TransactionID
			}
		}()
	}
	wg.Wait()
	close(txIDs)

	seen := map[string]bool{}
	for id := range txIDs {
		if id != "" {
			seen[id] = true
		}
	}
	require.Len(t, seen, 1)
	require.Equal(t, int64(1000), h.balance(t))

	stats, err := h.wallets.GetStats(context.Background(), h.walletID)
	require.NoError(t, err)
	require.Equal(t, int64(1000), stats.TotalCredited)
}

func TestCaptureFromCreatedFails(t *testing.T) {
	h := newHarness(t, nil)
	s := h.session(t, 500)

	got, err := h.manager.Capture(context.Background(), s.ID)
	require.ErrorIs(t, err, ErrInvalidState)
	require.Equal(t, StateCreated, got.State)
	require.Zero(t, h.balance(t))
}

func TestCancelAfterCaptureIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	s := h.authorized(t, 700)
	captured, err := h.manager.Capture(context.Background(), s.ID)
	require.NoError(t, err)

	got, err := h.manager.Cancel(context.Background(), s.ID, "")
	require.NoError(t, err)
	require.Equal(t, StateCaptured, got.State)
	require.Equal(t, captured.TransactionID, got.TransactionID)
	require.Equal(t, int64(700), h.balance(t))
	require.Empty(t, h.provider.Released())
}

func TestCancelReleasesHold(t *testing.T) {
	h := newHarness(t, nil)
	s := h.authorized(t, 700)

	got, err := h.manager.Cancel(context.Background(), s.ID, "changed mind")
	require.NoError(t, err)
	require.Equal(t, StateCanceled, got.State)
	require.Equal(t, "changed mind", got.CancelReason)
	require.Equal(t, []string{"hold-" + s.ID}, h.provider.Released())

	_, err = h.manager.Capture(context.Background(), s.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	again, err := h.manager.Cancel(context.Background(), s.ID, "")
	require.NoError(t, err)
	require.Equal(t, StateCanceled, again.State)
	require.Len(t, h.provider.Released(), 1)
}

func TestAuthorizeDeclineCancels(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.decline = true
	s := h.session(t, 300)

	got, err := h.manager.Authorize(context.Background(), s.ID, Payload{Token: "bad"})
	require.ErrorIs(t, err, ErrAuthorizationDeclined)
	require.Equal(t, StateCanceled, got.State)

	_, err = h.manager.Authorize(context.Background(), s.ID, Payload{Token: "bad"})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestAuthorizeTimeoutKeepsSessionOpen(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.err = ErrProviderTimeout
	s := h.session(t, 300)

	got, err := h.manager.Authorize(context.Background(), s.ID, Payload{Token: "t"})
	require.ErrorIs(t, err, ErrProviderTimeout)
	require.Equal(t, StateCreated, got.State)

	h.provider.mu.Lock()
	h.provider.err = nil
	h.provider.mu.Unlock()
	got, err = h.manager.Authorize(context.Background(), s.ID, Payload{Token: "t"})
	require.NoError(t, err)
	require.Equal(t, StateAuthorized, got.State)
}

func TestAuthorizeUnresolvedChargeCancels(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.err = funding.ErrChargePending
	s := h.session(t, 300)

	got, err := h.manager.Authorize(context.Background(), s.ID, Payload{Token: "t"})
	require.ErrorIs(t, err, ErrChargePending)
	require.NotErrorIs(t, err, ErrProviderTimeout)
	require.Equal(t, StateCanceled, got.State)
	require.Equal(t, "authorization pending reconciliation", got.CancelReason)
	require.Equal(t, int64(0), h.balance(t))
}

func TestSessionExpiresAfterTTL(t *testing.T) {
	h := newHarness(t, nil)
	s := h.session(t, 900)
	h.clock.Advance(ttl + time.Second)

	status, err := h.manager.Status(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, StateExpired, status.State)
	stored, err := h.store.Get(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, StateCreated, stored.State)

	got, err := h.manager.Authorize(context.Background(), s.ID, Payload{Token: "t"})
	require.ErrorIs(t, err, ErrSessionExpired)
	require.Equal(t, StateExpired, got.State)
	require.Zero(t, h.provider.authorized)
}

func TestCaptureAfterDeadlineReleasesHold(t *testing.T) {
	h := newHarness(t, nil)
	s := h.authorized(t, 900)
	h.clock.Advance(ttl + time.Second)

	got, err := h.manager.Capture(context.Background(), s.ID)
	require.ErrorIs(t, err, ErrSessionExpired)
	require.Equal(t, StateExpired, got.State)
	require.Equal(t, []string{"hold-" + s.ID}, h.provider.Released())
	require.Zero(t, h.balance(t))
}

func TestSweepExpiresOverdueSessions(t *testing.T) {
	h := newHarness(t, nil)
	open := h.session(t, 100)
	held := h.authorized(t, 200)
	h.clock.Advance(ttl / 2)
	fresh := h.session(t, 300)
	h.clock.Advance(ttl/2 + time.Second)

	res, err := h.manager.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Expired)

	for _, id := range []string{open.ID, held.ID} {
		got, err := h.store.Get(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, StateExpired, got.State)
	}
	got, err := h.store.Get(context.Background(), fresh.ID)
	require.NoError(t, err)
	require.Equal(t, StateCreated, got.State)
	require.Equal(t, []string{"hold-" + held.ID}, h.provider.Released())
}

func TestSweepPurgesOldTerminalSessions(t *testing.T) {
	h := newHarness(t, nil)
	s := h.authorized(t, 100)
	_, err := h.manager.Cancel(context.Background(), s.ID, "")
	require.NoError(t, err)

	h.clock.Advance(defaultRetention + time.Minute)
	res, err := h.manager.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Purged)

	_, err = h.manager.Status(context.Background(), s.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCaptureResumesAfterCrashBetweenCreditAndFinalize(t *testing.T) {
	h := newHarness(t, nil)
	s := h.authorized(t, 1200)
	ctx := context.Background()

	// Simulate a capture that credited the ledger but died before finalizing.
	_, err := h.store.Transition(ctx, s.ID, []State{StateAuthorized}, func(cur *Session) error {
		cur.State = StateCapturing
		cur.UpdatedAt = h.clock.Now()
		return nil
	})
	require.NoError(t, err)
	tx, err := h.wallets.Credit(ctx, wallet.CreditInput{WalletID: h.walletID, Amount: 1200, Reference: s.ID, IdempotencyKey: "session:" + s.ID})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	res, err := h.manager.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Resumed)

	got, err := h.manager.Status(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, StateCaptured, got.State)
	require.Equal(t, tx.ID, got.TransactionID)
	require.Equal(t, int64(1200), h.balance(t))
}

func TestCaptureResumeAfterSuspensionKeepsCredit(t *testing.T) {
	h := newHarness(t, nil)
	s := h.authorized(t, 1200)
	ctx := context.Background()

	_, err := h.store.Transition(ctx, s.ID, []State{StateAuthorized}, func(cur *Session) error {
		cur.State = StateCapturing
		cur.UpdatedAt = h.clock.Now()
		return nil
	})
	require.NoError(t, err)
	tx, err := h.wallets.Credit(ctx, wallet.CreditInput{WalletID: h.walletID, Amount: 1200, Reference: s.ID, IdempotencyKey: "session:" + s.ID})
	require.NoError(t, err)
	_, err = h.wallets.Suspend(ctx, h.walletID)
	require.NoError(t, err)

	got, err := h.manager.Capture(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, StateCaptured, got.State)
	require.Equal(t, tx.ID, got.TransactionID)
	require.Empty(t, h.provider.Released())
	require.Equal(t, int64(1200), h.balance(t))
}

func TestCaptureIntoClosedWalletCancels(t *testing.T) {
	h := newHarness(t, nil)
	s := h.authorized(t, 400)
	_, err := h.wallets.Close(context.Background(), h.walletID)
	require.NoError(t, err)

	got, err := h.manager.Capture(context.Background(), s.ID)
	require.ErrorIs(t, err, ErrWalletNotActive)
	require.Equal(t, StateCanceled, got.State)
	require.Equal(t, []string{"hold-" + s.ID}, h.provider.Released())
}

func TestProcessAuthorizesAndCaptures(t *testing.T) {
	h := newHarness(t, nil)
	s, err := h.manager.InitSession(context.Background(), InitInput{WalletID: h.walletID, Amount: 650, Provider: ProviderGooglePay})
	require.NoError(t, err)

	got, err := h.manager.Process(context.Background(), s.ID, Payload{Token: "gp-token"})
	require.NoError(t, err)
	require.Equal(t, StateCaptured, got.State)

	replay, err := h.manager.Process(context.Background(), s.ID, Payload{Token: "gp-token"})
	require.NoError(t, err)
	require.Equal(t, got.TransactionID, replay.TransactionID)
	require.Equal(t, int64(650), h.balance(t))
	require.Equal(t, 1, h.provider.authorized)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.manager.Run(ctx, time.Millisecond) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestAcquirerProviderMapsDecline(t *testing.T) {
	p := NewAcquirerProvider(funding.DecliningAcquirer{})
	_, err := p.Authorize(context.Background(), Session{ID: "ps_1", Amount: 100, Currency: "USD"}, Payload{Token: "tok"})
	require.True(t, errors.Is(err, ErrAuthorizationDeclined))

	static := &funding.StaticAcquirer{}
	p = NewAcquirerProvider(static)
	auth, err := p.Authorize(context.Background(), Session{ID: "ps_2", Amount: 100, Currency: "USD"}, Payload{Token: "tok"})
	require.NoError(t, err)
	require.NotEmpty(t, auth.Handle)
	require.NoError(t, p.Release(context.Background(), Session{ID: "ps_2", ProviderHandle: auth.Handle}))
	require.Len(t, static.Released(), 1)
}
