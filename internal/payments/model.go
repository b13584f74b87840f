package payments

import (
	"errors"
	"time"

	"github.com/congo-pay/walletcore/internal/funding"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("payment session not found")

	// ErrAlreadyExists is returned when a session id is reused.
	ErrAlreadyExists = errors.New("payment session already exists")

	// ErrInvalidState is returned when an operation is not allowed from the
	// session's current state.
	ErrInvalidState = errors.New("invalid session state")

	// ErrSessionExpired is returned when the session deadline passed before
	// the operation could apply. The session is moved to expired.
	ErrSessionExpired = errors.New("payment session expired")

	// ErrAuthorizationDeclined is returned when the provider refuses the payment.
	ErrAuthorizationDeclined = errors.New("authorization declined")

	// ErrWalletNotActive is returned when the target wallet cannot receive funds.
	ErrWalletNotActive = errors.New("wallet is not active")

	// ErrUnknownProvider is returned for provider kinds without a registered provider.
	ErrUnknownProvider = errors.New("unknown payment provider")

	// ErrInvalidAmount is returned for non-positive session amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrCurrencyMismatch is returned when the session currency differs from the wallet's.
	ErrCurrencyMismatch = errors.New("currency does not match wallet")

	// ErrStoreBusy is returned when a session kept changing under a transition.
	ErrStoreBusy = errors.New("session store busy")

	ErrProviderTimeout = funding.ErrProviderTimeout
	ErrChargePending   = funding.ErrChargePending
)

// State is a payment session state.
type State string

const (
	StateCreated    State = "created"
	StateAuthorized State = "authorized"
	// StateCapturing marks a capture in flight. It is neither terminal nor
	// subject to expiry; replaying Capture finishes it.
	StateCapturing State = "capturing"
	StateCaptured  State = "captured"
	StateCanceled  State = "canceled"
	StateExpired   State = "expired"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCaptured || s == StateCanceled || s == StateExpired
}

// Expirable reports whether the sweeper may expire a session in this state.
func (s State) Expirable() bool {
	return s == StateCreated || s == StateAuthorized
}

// ProviderKind names a mobile payment provider.
type ProviderKind string

const (
	ProviderApplePay  ProviderKind = "apple_pay"
	ProviderGooglePay ProviderKind = "google_pay"
)

// Session is a multi-step mobile payment that funds a wallet.
type Session struct {
	ID             string       `json:"id"`
	WalletID       string       `json:"wallet_id"`
	Amount         int64        `json:"amount"`
	Currency       string       `json:"currency"`
	State          State        `json:"state"`
	Provider       ProviderKind `json:"provider"`
	ProviderHandle string       `json:"provider_handle,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	ExpiresAt      time.Time    `json:"expires_at"`
	CapturedAmount int64        `json:"captured_amount,omitempty"`
	TransactionID  string       `json:"transaction_id,omitempty"`
	CancelReason   string       `json:"cancel_reason,omitempty"`
}

// InitInput describes a new session.
type InitInput struct {
	WalletID string
	Amount   int64
	Currency string
	Provider ProviderKind
}

// SweepResult summarises one sweeper pass.
type SweepResult struct {
	Expired int
	Resumed int
	Purged  int
}
