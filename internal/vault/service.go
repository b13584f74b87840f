package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Service manages opaque payment tokens for wallets.
type Service struct {
	repo      Repository
	tokenizer Tokenizer
	logger    *slog.Logger
}

// NewService builds a vault service.
func NewService(repo Repository, tokenizer Tokenizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, tokenizer: tokenizer, logger: logger}
}

// Tokenize validates a raw card and vaults its metadata. A card already
// vaulted for the wallet yields the existing token.
func (s *Service) Tokenize(ctx context.Context, walletID string, card RawCard) (PaymentMethod, error) {
	issued, err := s.tokenizer.IssueToken(ctx, card)
	if err != nil {
		return PaymentMethod{}, err
	}

	if issued.Fingerprint != "" {
		existing, err := s.repo.FindByFingerprint(ctx, walletID, issued.Fingerprint)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return PaymentMethod{}, err
		}
	}

	method, err := s.repo.Add(ctx, PaymentMethod{
		ID:          issued.Token,
		WalletID:    walletID,
		Type:        InstrumentCard,
		Brand:       issued.Brand,
		Last4:       issued.Last4,
		Fingerprint: issued.Fingerprint,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return PaymentMethod{}, fmt.Errorf("vault card: %w", err)
	}
	s.logger.Info("payment method vaulted", "wallet_id", walletID, "token", method.ID, "brand", method.Brand, "default", method.IsDefault)
	return method, nil
}

// AddPaymentMethod vaults instrument metadata issued elsewhere, such as a
// wallet app provisioning.
func (s *Service) AddPaymentMethod(ctx context.Context, walletID string, input NewMethod) (PaymentMethod, error) {
	if !input.Type.Valid() {
		return PaymentMethod{}, fmt.Errorf("%w: instrument type %q", ErrInvalidCard, input.Type)
	}
	if len(input.Last4) != 4 || digitsOnly(input.Last4) != input.Last4 {
		return PaymentMethod{}, fmt.Errorf("%w: last4", ErrInvalidCard)
	}
	method, err := s.repo.Add(ctx, PaymentMethod{
		ID:        "tok_" + uuid.NewString(),
		WalletID:  walletID,
		Type:      input.Type,
		Brand:     input.Brand,
		Last4:     input.Last4,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return PaymentMethod{}, err
	}
	s.logger.Info("payment method vaulted", "wallet_id", walletID, "token", method.ID, "type", method.Type, "default", method.IsDefault)
	return method, nil
}

// Remove deletes a token from the wallet.
func (s *Service) Remove(ctx context.Context, walletID, token string) error {
	if err := s.repo.Remove(ctx, walletID, token); err != nil {
		return err
	}
	s.logger.Info("payment method removed", "wallet_id", walletID, "token", token)
	return nil
}

// SetDefault makes token the wallet's default method.
func (s *Service) SetDefault(ctx context.Context, walletID, token string) (PaymentMethod, error) {
	return s.repo.SetDefault(ctx, walletID, token)
}

// Resolve returns the vaulted method for token, failing with ErrUnknownToken
// when it does not belong to the wallet.
func (s *Service) Resolve(ctx context.Context, walletID, token string) (PaymentMethod, error) {
	method, err := s.repo.Get(ctx, walletID, token)
	if errors.Is(err, ErrNotFound) {
		return PaymentMethod{}, ErrUnknownToken
	}
	return method, err
}

// List returns the wallet's methods oldest first.
func (s *Service) List(ctx context.Context, walletID string) ([]PaymentMethod, error) {
	return s.repo.List(ctx, walletID)
}

// Default returns the wallet's default method, or ErrNotFound when none exist.
func (s *Service) Default(ctx context.Context, walletID string) (PaymentMethod, error) {
	methods, err := s.repo.List(ctx, walletID)
	if err != nil {
		return PaymentMethod{}, err
	}
	for _, m := range methods {
		if m.IsDefault {
			return m, nil
		}
	}
	return PaymentMethod{}, ErrNotFound
}

// InvalidateWallet drops every token of a closed wallet.
func (s *Service) InvalidateWallet(ctx context.Context, walletID string) error {
	n, err := s.repo.RemoveAll(ctx, walletID)
	if err != nil {
		return err
	}
	s.logger.Info("payment methods invalidated", "wallet_id", walletID, "count", n)
	return nil
}
