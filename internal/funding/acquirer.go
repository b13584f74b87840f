package funding

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrDeclined is returned when the acquirer refuses the charge.
	ErrDeclined = errors.New("charge declined")

	// ErrProviderTimeout means the acquirer did not answer in time. The charge
	// has been voided and may be retried.
	ErrProviderTimeout = errors.New("acquirer timeout")

	// ErrChargePending means the acquirer timed out and the follow-up void
	// failed too. The charge may exist; it must be reconciled by reference.
	ErrChargePending = errors.New("charge outcome unknown, pending reconciliation")
)

// Charge is a request to authorize funds against a vaulted instrument.
type Charge struct {
	// Reference is the caller's idempotency reference for the charge.
	Reference string
	Token     string
	Amount    int64
	Currency  string
}

// ChargeHandle identifies an authorized charge at the acquirer.
type ChargeHandle struct {
	ID        string
	Reference string
	Amount    int64
}

// Acquirer represents a connector to an external card processor.
type Acquirer interface {
	Authorize(ctx context.Context, charge Charge) (ChargeHandle, error)
	// Release voids an authorized charge that could not be booked.
	Release(ctx context.Context, handle ChargeHandle) error
}

// StaticAcquirer simulates a successful acquirer integration. Released
// handles are remembered so tests can assert on them.
type StaticAcquirer struct {
	mu       sync.Mutex
	released []ChargeHandle
}

// Authorize approves the charge with a synthetic reference.
func (a *StaticAcquirer) Authorize(_ context.Context, charge Charge) (ChargeHandle, error) {
	return ChargeHandle{ID: "ch_" + uuid.NewString(), Reference: charge.Reference, Amount: charge.Amount}, nil
}

// Release records the voided handle.
func (a *StaticAcquirer) Release(_ context.Context, handle ChargeHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released = append(a.released, handle)
	return nil
}

// Released returns the handles voided so far.
func (a *StaticAcquirer) Released() []ChargeHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ChargeHandle{}, a.released...)
}

// DecliningAcquirer refuses every charge.
type DecliningAcquirer struct{}

// Authorize always declines.
func (DecliningAcquirer) Authorize(context.Context, Charge) (ChargeHandle, error) {
	return ChargeHandle{}, ErrDeclined
}

// Release is a no-op.
func (DecliningAcquirer) Release(context.Context, ChargeHandle) error { return nil }
