package vault

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a payment method does not exist for the wallet.
	ErrNotFound = errors.New("payment method not found")

	// ErrUnknownToken is returned when a token cannot be resolved for the wallet.
	ErrUnknownToken = errors.New("unknown payment token")

	// ErrInvalidCard is returned when raw card data fails validation.
	ErrInvalidCard = errors.New("invalid card")

	// ErrCardExpired is returned for cards past their expiry month.
	ErrCardExpired = errors.New("card expired")
)

// InstrumentType classifies what a token stands for.
type InstrumentType string

const (
	InstrumentCard      InstrumentType = "card"
	InstrumentWalletApp InstrumentType = "wallet_app"
)

// Valid reports whether t is a supported instrument type.
func (t InstrumentType) Valid() bool {
	return t == InstrumentCard || t == InstrumentWalletApp
}

// PaymentMethod is the vaulted, non-sensitive view of an instrument. The ID is
// the opaque token handed to clients.
type PaymentMethod struct {
	ID          string
	WalletID    string
	Type        InstrumentType
	Brand       string
	Last4       string
	Fingerprint string
	IsDefault   bool
	CreatedAt   time.Time
}

// NewMethod carries instrument metadata supplied by a wallet app provider.
type NewMethod struct {
	Type  InstrumentType
	Brand string
	Last4 string
}
