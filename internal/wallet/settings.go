package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"

	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/notification"
	"github.com/congo-pay/walletcore/internal/vault"
)

// Suspend blocks balance mutations on an active wallet.
func (s *Service) Suspend(ctx context.Context, id string) (ledger.Wallet, error) {
	return s.setStatus(ctx, id, ledger.StatusSuspended, ledger.StatusActive)
}

// Reactivate returns a suspended wallet to active.
func (s *Service) Reactivate(ctx context.Context, id string) (ledger.Wallet, error) {
	return s.setStatus(ctx, id, ledger.StatusActive, ledger.StatusSuspended)
}

// Close permanently closes the wallet and invalidates its payment tokens. The
// balance stays readable but can no longer change. Closing a closed wallet
// repeats the invalidation, so a retry finishes an interrupted close.
func (s *Service) Close(ctx context.Context, id string) (ledger.Wallet, error) {
	w, err := s.setStatus(ctx, id, ledger.StatusClosed, ledger.StatusActive, ledger.StatusSuspended)
	if errors.Is(err, ErrWalletClosed) {
		w, err = s.store.GetWallet(ctx, id)
	}
	if err != nil {
		return ledger.Wallet{}, err
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.vault.InvalidateWallet(ctx, id)
	}, backoff.WithBackOff(s.newBackOff()), backoff.WithMaxTries(uint(s.maxAttempts)))
	if err != nil {
		s.logger.Error("invalidate payment methods failed", "wallet_id", id, "error", err)
		return w, fmt.Errorf("invalidate payment methods: %w", err)
	}
	return w, nil
}

func (s *Service) setStatus(ctx context.Context, id string, target ledger.WalletStatus, from ...ledger.WalletStatus) (ledger.Wallet, error) {
	w, err := s.update(ctx, id, func(w *ledger.Wallet) error {
		for _, allowed := range from {
			if w.Status == allowed {
				w.Status = target
				if target == ledger.StatusClosed {
					w.AutoTopUp = ledger.AutoTopUp{}
				}
				return nil
			}
		}
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, w.Status, target)
	})
	if err != nil {
		return ledger.Wallet{}, err
	}
	s.logger.Info("wallet status changed", "wallet_id", w.ID, "status", w.Status, "version", w.Version)
	s.notify(ctx, notification.KindWalletStatus, w.OwnerID, fmt.Sprintf("Wallet %s is now %s", w.ID, w.Status))
	return w, nil
}

// UpdateAutoTopUp stores auto top-up settings. When enabled without a payment
// method the wallet's default method is used.
func (s *Service) UpdateAutoTopUp(ctx context.Context, id string, settings ledger.AutoTopUp) (ledger.Wallet, error) {
	if settings.Enabled {
		if settings.Amount <= 0 {
			return ledger.Wallet{}, ErrInvalidAmount
		}
		if settings.Threshold < 0 {
			return ledger.Wallet{}, fmt.Errorf("%w: threshold must not be negative", ErrInvalidInput)
		}
		if settings.PaymentMethodID == "" {
			def, err := s.vault.Default(ctx, id)
			if errors.Is(err, vault.ErrNotFound) {
				return ledger.Wallet{}, ErrUnknownToken
			}
			if err != nil {
				return ledger.Wallet{}, err
			}
			settings.PaymentMethodID = def.ID
		} else if _, err := s.vault.Resolve(ctx, id, settings.PaymentMethodID); err != nil {
			return ledger.Wallet{}, err
		}
	}

	w, err := s.update(ctx, id, func(w *ledger.Wallet) error {
		w.AutoTopUp = settings
		return nil
	})
	if err != nil {
		return ledger.Wallet{}, err
	}
	s.logger.Info("auto top-up updated", "wallet_id", w.ID, "enabled", settings.Enabled, "threshold", settings.Threshold)
	return w, nil
}

// autoTopUp funds the wallet from its configured token when the balance fell
// below the threshold. Failures are logged, never returned.
func (s *Service) autoTopUp(ctx context.Context, w ledger.Wallet) {
	cfg := w.AutoTopUp
	if !cfg.Enabled || w.Balance >= cfg.Threshold {
		return
	}
	tx, err := s.AddFunds(ctx, FundInput{
		WalletID:    w.ID,
		Amount:      cfg.Amount,
		Token:       cfg.PaymentMethodID,
		Description: "auto top-up",
	})
	if err != nil {
		s.logger.Warn("auto top-up failed", "wallet_id", w.ID, "error", err)
		return
	}
	s.logger.Info("auto top-up applied", "wallet_id", w.ID, "tx_id", tx.ID, "amount", cfg.Amount)
	s.notify(ctx, notification.KindAutoTopUp, w.OwnerID, fmt.Sprintf("Wallet %s topped up automatically", w.ID))
}

func (s *Service) requireActive(ctx context.Context, id string) (ledger.Wallet, error) {
	w, err := s.store.GetWallet(ctx, id)
	if err != nil {
		return ledger.Wallet{}, err
	}
	if !w.Active() {
		return ledger.Wallet{}, ErrWalletClosed
	}
	return w, nil
}

// Tokenize vaults a raw card for the wallet.
func (s *Service) Tokenize(ctx context.Context, walletID string, card vault.RawCard) (vault.PaymentMethod, error) {
	if _, err := s.requireActive(ctx, walletID); err != nil {
		return vault.PaymentMethod{}, err
	}
	return s.vault.Tokenize(ctx, walletID, card)
}

// AddPaymentMethod vaults provider-issued instrument metadata for the wallet.
func (s *Service) AddPaymentMethod(ctx context.Context, walletID string, input vault.NewMethod) (vault.PaymentMethod, error) {
	if _, err := s.requireActive(ctx, walletID); err != nil {
		return vault.PaymentMethod{}, err
	}
	return s.vault.AddPaymentMethod(ctx, walletID, input)
}

// RemovePaymentMethod deletes a token. Auto top-up bound to it is disabled.
func (s *Service) RemovePaymentMethod(ctx context.Context, walletID, token string) error {
	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return err
	}
	if err := s.vault.Remove(ctx, walletID, token); err != nil {
		return err
	}
	if w.AutoTopUp.PaymentMethodID == token && w.Status != ledger.StatusClosed {
		if _, err := s.UpdateAutoTopUp(ctx, walletID, ledger.AutoTopUp{}); err != nil {
			s.logger.Warn("disable auto top-up failed", "wallet_id", walletID, "error", err)
		}
	}
	return nil
}

// SetDefaultPaymentMethod moves the default flag to token.
func (s *Service) SetDefaultPaymentMethod(ctx context.Context, walletID, token string) (vault.PaymentMethod, error) {
	if _, err := s.store.GetWallet(ctx, walletID); err != nil {
		return vault.PaymentMethod{}, err
	}
	return s.vault.SetDefault(ctx, walletID, token)
}

// ListPaymentMethods returns the wallet's tokens oldest first.
func (s *Service) ListPaymentMethods(ctx context.Context, walletID string) ([]vault.PaymentMethod, error) {
	if _, err := s.store.GetWallet(ctx, walletID); err != nil {
		return nil, err
	}
	return s.vault.List(ctx, walletID)
}
