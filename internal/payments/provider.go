package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/congo-pay/walletcore/internal/funding"
)

// Payload is the provider-specific authorization data sent by the client,
// such as an Apple Pay or Google Pay payment token.
type Payload struct {
	Token string
	Data  map[string]string
}

// Authorization is a provider hold on funds.
type Authorization struct {
	Handle string
}

// Provider authorizes and releases holds for one provider kind.
type Provider interface {
	Authorize(ctx context.Context, session Session, payload Payload) (Authorization, error)
	Release(ctx context.Context, session Session) error
}

// StaticProvider approves every payload unless Decline is set.
type StaticProvider struct {
	Decline bool
}

// Authorize returns a synthetic hold or ErrAuthorizationDeclined.
func (p StaticProvider) Authorize(_ context.Context, _ Session, payload Payload) (Authorization, error) {
	if p.Decline || payload.Token == "" {
		return Authorization{}, ErrAuthorizationDeclined
	}
	return Authorization{Handle: "hold_" + uuid.NewString()}, nil
}

// Release is a no-op.
func (StaticProvider) Release(context.Context, Session) error { return nil }

// AcquirerProvider routes mobile wallet tokens through the card acquirer.
type AcquirerProvider struct {
	acquirer funding.Acquirer
}

// NewAcquirerProvider adapts an acquirer to the Provider port.
func NewAcquirerProvider(acquirer funding.Acquirer) *AcquirerProvider {
	return &AcquirerProvider{acquirer: acquirer}
}

// Authorize charges the payment token using the session id as reference.
func (p *AcquirerProvider) Authorize(ctx context.Context, session Session, payload Payload) (Authorization, error) {
	if payload.Token == "" {
		return Authorization{}, ErrAuthorizationDeclined
	}
	handle, err := p.acquirer.Authorize(ctx, funding.Charge{
		Reference: session.ID,
		Token:     payload.Token,
		Amount:    session.Amount,
		Currency:  session.Currency,
	})
	if errors.Is(err, funding.ErrDeclined) {
		return Authorization{}, ErrAuthorizationDeclined
	}
	if err != nil {
		return Authorization{}, err
	}
	return Authorization{Handle: handle.ID}, nil
}

// Release voids the hold behind the session.
func (p *AcquirerProvider) Release(ctx context.Context, session Session) error {
	return p.acquirer.Release(ctx, funding.ChargeHandle{ID: session.ProviderHandle, Reference: session.ID, Amount: session.Amount})
}
