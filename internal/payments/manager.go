package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/walletcore/internal/amount"
	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/logging"
	"github.com/congo-pay/walletcore/internal/metrics"
	"github.com/congo-pay/walletcore/internal/notification"
	"github.com/congo-pay/walletcore/internal/wallet"
)

const (
	defaultSessionTTL   = 15 * time.Minute
	defaultRetention    = 24 * time.Hour
	defaultCaptureGrace = 30 * time.Second
	defaultPortTimeout  = 10 * time.Second
	sweepBatch          = 100
)

var (
	errNotDue  = errors.New("session deadline not reached")
	errOverdue = errors.New("session deadline passed")
)

// Wallets is the part of the wallet service a session needs.
type Wallets interface {
	Get(ctx context.Context, id string) (wallet.Details, error)
	Credit(ctx context.Context, input wallet.CreditInput) (ledger.Transaction, error)
}

// Manager drives payment sessions through their lifecycle and credits the
// target wallet on capture.
type Manager struct {
	store        Store
	wallets      Wallets
	providers    map[ProviderKind]Provider
	logger       *slog.Logger
	notifier     notification.Notifier
	now          func() time.Time
	ttl          time.Duration
	retention    time.Duration
	captureGrace time.Duration
	portTimeout  time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithNotifier(n notification.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTTL sets how long a session may stay open before it expires.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) { m.ttl = d }
}

// WithRetention sets how long terminal sessions are kept before purge.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// WithCaptureGrace sets how long a capture may stay in flight before the
// sweeper resumes it.
func WithCaptureGrace(d time.Duration) Option {
	return func(m *Manager) { m.captureGrace = d }
}

// WithPortTimeout bounds each provider call.
func WithPortTimeout(d time.Duration) Option {
	return func(m *Manager) { m.portTimeout = d }
}

// NewManager constructs a session manager.
func NewManager(store Store, wallets Wallets, providers map[ProviderKind]Provider, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		wallets:      wallets,
		providers:    providers,
		logger:       logging.Discard(),
		notifier:     notification.NewLoggerNotifier(nil),
		now:          time.Now,
		ttl:          defaultSessionTTL,
		retention:    defaultRetention,
		captureGrace: defaultCaptureGrace,
		portTimeout:  defaultPortTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InitSession opens a session funding walletID. An empty currency defaults
// to the wallet's.
func (m *Manager) InitSession(ctx context.Context, input InitInput) (Session, error) {
	if input.Amount <= 0 {
		return Session{}, ErrInvalidAmount
	}
	if _, ok := m.providers[input.Provider]; !ok {
		return Session{}, fmt.Errorf("%w: %q", ErrUnknownProvider, input.Provider)
	}
	details, err := m.wallets.Get(ctx, input.WalletID)
	if err != nil {
		return Session{}, err
	}
	w := details.Wallet
	if !w.Active() {
		return Session{}, ErrWalletNotActive
	}
	currency := w.Currency
	if input.Currency != "" {
		code, err := amount.NormalizeCurrency(input.Currency)
		if err != nil {
			return Session{}, err
		}
		if code != w.Currency {
			return Session{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, code, w.Currency)
		}
		currency = code
	}

	now := m.now().UTC()
	session := Session{
		ID:        "ps_" + uuid.NewString(),
		WalletID:  w.ID,
		Amount:    input.Amount,
		Currency:  currency,
		State:     StateCreated,
		Provider:  input.Provider,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.Create(ctx, session); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	m.transitioned(session)
	m.logger.Info("payment session created", "session_id", session.ID, "wallet_id", w.ID, "amount", input.Amount, "provider", input.Provider)
	return session, nil
}

// Authorize asks the provider to hold funds. It is only valid from created.
// A decline cancels the session; a provider timeout leaves it created so the
// client may retry. An authorization whose outcome is unknown cancels the
// session, leaving the session id as the reconciliation reference.
func (m *Manager) Authorize(ctx context.Context, id string, payload Payload) (Session, error) {
	session, err := m.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if session.State == StateCreated && m.overdue(session) {
		return m.expire(ctx, session)
	}
	if session.State == StateExpired {
		return session, ErrSessionExpired
	}
	if session.State != StateCreated {
		return session, ErrInvalidState
	}
	provider, ok := m.providers[session.Provider]
	if !ok {
		return session, ErrUnknownProvider
	}

	portCtx, cancel := context.WithTimeout(ctx, m.portTimeout)
	auth, err := provider.Authorize(portCtx, session, payload)
	cancel()
	if errors.Is(err, ErrAuthorizationDeclined) {
		metrics.PortCalls.WithLabelValues(string(session.Provider), "declined").Inc()
		canceled, terr := m.store.Transition(ctx, id, []State{StateCreated}, func(s *Session) error {
			s.State = StateCanceled
			s.CancelReason = "authorization declined"
			s.UpdatedAt = m.now().UTC()
			return nil
		})
		if terr == nil {
			m.transitioned(canceled)
			m.logger.Info("payment session declined", "session_id", id, "wallet_id", canceled.WalletID)
		}
		return canceled, ErrAuthorizationDeclined
	}
	if errors.Is(err, ErrChargePending) {
		metrics.PortCalls.WithLabelValues(string(session.Provider), "pending").Inc()
		canceled, terr := m.store.Transition(ctx, id, []State{StateCreated}, func(s *Session) error {
			s.State = StateCanceled
			s.CancelReason = "authorization pending reconciliation"
			s.UpdatedAt = m.now().UTC()
			return nil
		})
		if terr == nil {
			m.transitioned(canceled)
		}
		m.logger.Error("payment session authorization unresolved", "session_id", id, "wallet_id", session.WalletID, "error", err)
		return canceled, err
	}
	if err != nil {
		metrics.PortCalls.WithLabelValues(string(session.Provider), "error").Inc()
		m.logger.Warn("provider authorization failed", "session_id", id, "provider", session.Provider, "error", err)
		return session, err
	}
	metrics.PortCalls.WithLabelValues(string(session.Provider), "ok").Inc()

	var expired bool
	next, err := m.store.Transition(ctx, id, []State{StateCreated}, func(s *Session) error {
		s.ProviderHandle = auth.Handle
		s.UpdatedAt = m.now().UTC()
		if m.overdue(*s) {
			expired = true
			s.State = StateExpired
			return nil
		}
		s.State = StateAuthorized
		return nil
	})
	if err != nil {
		// Lost the race to a cancel or the sweeper. The hold is ours to undo.
		held := session
		held.ProviderHandle = auth.Handle
		m.release(ctx, held)
		if next.State == StateExpired {
			return next, ErrSessionExpired
		}
		return next, err
	}
	m.transitioned(next)
	if expired {
		m.release(ctx, next)
		return next, ErrSessionExpired
	}
	m.logger.Info("payment session authorized", "session_id", id, "wallet_id", next.WalletID)
	return next, nil
}

// Capture credits the wallet for an authorized session exactly once.
// Replaying it on a captured session returns the prior result. A capture
// interrupted after the credit is completed by calling it again.
func (m *Manager) Capture(ctx context.Context, id string) (Session, error) {
	session, err := m.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}

	switch session.State {
	case StateCaptured:
		return session, nil
	case StateExpired:
		return session, ErrSessionExpired
	case StateAuthorized:
		if m.overdue(session) {
			return m.expire(ctx, session)
		}
		next, err := m.store.Transition(ctx, id, []State{StateAuthorized}, func(s *Session) error {
			if m.overdue(*s) {
				return errOverdue
			}
			s.State = StateCapturing
			s.UpdatedAt = m.now().UTC()
			return nil
		})
		switch {
		case errors.Is(err, errOverdue):
			return m.expire(ctx, next)
		case errors.Is(err, ErrInvalidState) && next.State == StateCaptured:
			return next, nil
		case errors.Is(err, ErrInvalidState) && next.State == StateCapturing:
			// Another caller is capturing; the ledger key keeps the credit single.
		case err != nil:
			return next, err
		default:
			m.transitioned(next)
		}
		session = next
	case StateCapturing:
	default:
		return session, ErrInvalidState
	}

	return m.credit(ctx, session)
}

func (m *Manager) credit(ctx context.Context, session Session) (Session, error) {
	tx, err := m.wallets.Credit(ctx, wallet.CreditInput{
		WalletID:       session.WalletID,
		Amount:         session.Amount,
		Type:           ledger.TxFund,
		Reference:      session.ID,
		IdempotencyKey: "session:" + session.ID,
		Description:    fmt.Sprintf("%s payment", session.Provider),
	})
	if errors.Is(err, wallet.ErrDuplicateTx) {
		err = nil
	}
	if errors.Is(err, wallet.ErrWalletClosed) || errors.Is(err, wallet.ErrNotFound) {
		canceled, terr := m.store.Transition(ctx, session.ID, []State{StateCapturing}, func(s *Session) error {
			s.State = StateCanceled
			s.CancelReason = "wallet not active"
			s.UpdatedAt = m.now().UTC()
			return nil
		})
		if terr != nil {
			return canceled, terr
		}
		m.transitioned(canceled)
		m.release(ctx, canceled)
		m.logger.Warn("capture aborted, wallet not active", "session_id", session.ID, "wallet_id", session.WalletID)
		return canceled, ErrWalletNotActive
	}
	if err != nil {
		m.logger.Warn("capture credit failed, session left capturing", "session_id", session.ID, "error", err)
		return session, err
	}

	next, err := m.store.Transition(ctx, session.ID, []State{StateCapturing}, func(s *Session) error {
		s.State = StateCaptured
		s.CapturedAmount = tx.Amount
		s.TransactionID = tx.ID
		s.UpdatedAt = m.now().UTC()
		return nil
	})
	if errors.Is(err, ErrInvalidState) && next.State == StateCaptured {
		return next, nil
	}
	if err != nil {
		return next, err
	}
	m.transitioned(next)
	m.logger.Info("payment session captured", "session_id", next.ID, "wallet_id", next.WalletID, "tx_id", tx.ID, "amount", tx.Amount)
	m.notify(ctx, notification.KindSessionCapture, next,
		fmt.Sprintf("%s added to wallet %s", amount.Format(next.Amount, next.Currency), next.WalletID))
	return next, nil
}

// Process authorizes and captures in one call. Replaying it on a session
// that is already authorized or captured continues from where it stopped.
func (m *Manager) Process(ctx context.Context, id string, payload Payload) (Session, error) {
	session, err := m.Authorize(ctx, id, payload)
	if err != nil {
		if !errors.Is(err, ErrInvalidState) {
			return session, err
		}
		switch session.State {
		case StateAuthorized, StateCapturing, StateCaptured:
		default:
			return session, err
		}
	}
	return m.Capture(ctx, id)
}

// Cancel aborts a session from created or authorized and releases any
// provider hold. On a terminal session it returns the current state.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (Session, error) {
	if reason == "" {
		reason = "canceled by client"
	}
	next, err := m.store.Transition(ctx, id, []State{StateCreated, StateAuthorized}, func(s *Session) error {
		s.UpdatedAt = m.now().UTC()
		if m.overdue(*s) {
			s.State = StateExpired
			return nil
		}
		s.State = StateCanceled
		s.CancelReason = reason
		return nil
	})
	if errors.Is(err, ErrInvalidState) && next.State.Terminal() {
		return next, nil
	}
	if err != nil {
		return next, err
	}
	m.transitioned(next)
	m.release(ctx, next)
	m.logger.Info("payment session closed", "session_id", id, "state", next.State, "reason", next.CancelReason)
	m.notify(ctx, notification.KindSessionClosed, next, fmt.Sprintf("Payment session %s %s", next.ID, next.State))
	return next, nil
}

// Status returns the session. A session past its deadline reports expired
// even before the sweeper has persisted it.
func (m *Manager) Status(ctx context.Context, id string) (Session, error) {
	session, err := m.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if session.State.Expirable() && m.overdue(session) {
		session.State = StateExpired
	}
	return session, nil
}

// Sweep expires overdue sessions, resumes captures stuck in flight and
// purges terminal sessions past retention.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := m.now().UTC()

	overdue, err := m.store.ListExpired(ctx, now, sweepBatch)
	if err != nil {
		return res, fmt.Errorf("list expired sessions: %w", err)
	}
	for _, session := range overdue {
		if _, err := m.expire(ctx, session); errors.Is(err, ErrSessionExpired) {
			res.Expired++
			metrics.SweepExpired.Inc()
		}
	}

	stuck, err := m.store.ListStale(ctx, StateCapturing, now.Add(-m.captureGrace), sweepBatch)
	if err != nil {
		return res, fmt.Errorf("list stale captures: %w", err)
	}
	for _, session := range stuck {
		if _, err := m.credit(ctx, session); err != nil {
			m.logger.Warn("resume capture failed", "session_id", session.ID, "error", err)
			continue
		}
		res.Resumed++
	}

	res.Purged, err = m.store.Purge(ctx, now.Add(-m.retention))
	if err != nil {
		return res, fmt.Errorf("purge sessions: %w", err)
	}
	if res.Expired+res.Resumed+res.Purged > 0 {
		m.logger.Info("session sweep", "expired", res.Expired, "resumed", res.Resumed, "purged", res.Purged)
	}
	return res, nil
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error("session sweep failed", "error", err)
			}
		}
	}
}

// expire moves an overdue session to expired and releases its hold. It
// returns ErrSessionExpired when the session is expired afterwards.
func (m *Manager) expire(ctx context.Context, session Session) (Session, error) {
	next, err := m.store.Transition(ctx, session.ID, []State{StateCreated, StateAuthorized}, func(s *Session) error {
		if !m.overdue(*s) {
			return errNotDue
		}
		s.State = StateExpired
		s.UpdatedAt = m.now().UTC()
		return nil
	})
	if errors.Is(err, ErrInvalidState) && next.State == StateExpired {
		return next, ErrSessionExpired
	}
	if err != nil {
		return next, err
	}
	m.transitioned(next)
	m.release(ctx, next)
	m.logger.Info("payment session expired", "session_id", next.ID, "wallet_id", next.WalletID)
	m.notify(ctx, notification.KindSessionClosed, next, fmt.Sprintf("Payment session %s expired", next.ID))
	return next, ErrSessionExpired
}

func (m *Manager) overdue(s Session) bool {
	return m.now().After(s.ExpiresAt)
}

// release voids the provider hold, if any. Failures are logged only.
func (m *Manager) release(ctx context.Context, session Session) {
	if session.ProviderHandle == "" {
		return
	}
	provider, ok := m.providers[session.Provider]
	if !ok {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.portTimeout)
	defer cancel()
	if err := provider.Release(releaseCtx, session); err != nil {
		metrics.PortCalls.WithLabelValues(string(session.Provider)+"_release", "error").Inc()
		m.logger.Error("release provider hold failed", "session_id", session.ID, "handle", session.ProviderHandle, "error", err)
		return
	}
	metrics.PortCalls.WithLabelValues(string(session.Provider)+"_release", "ok").Inc()
}

func (m *Manager) transitioned(s Session) {
	metrics.SessionTransitions.WithLabelValues(string(s.Provider), string(s.State)).Inc()
}

func (m *Manager) notify(ctx context.Context, kind string, s Session, body string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Send(ctx, notification.Message{Kind: kind, Destination: s.WalletID, Body: body}); err != nil {
		m.logger.Warn("notification failed", "kind", kind, "session_id", s.ID, "error", err)
	}
}
