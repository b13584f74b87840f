package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/metrics"
)

// opBuilder derives a ledger op from the freshly read wallet. Returning an
// error aborts without retrying.
type opBuilder func(current ledger.Wallet) (ledger.Op, error)

func (s *Service) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryDelay
	b.MaxInterval = 20 * s.retryDelay
	return b
}

// apply reads the wallet, builds an op and applies it, retrying only on
// version conflicts. Exhausted retries surface as ErrLedgerBusy. On
// ErrDuplicateTx the previously recorded transaction is returned.
func (s *Service) apply(ctx context.Context, walletID string, build opBuilder) (ledger.Wallet, ledger.Transaction, error) {
	start := time.Now()
	var (
		w   ledger.Wallet
		tx  ledger.Transaction
		typ = "unknown"
	)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		current, err := s.store.GetWallet(ctx, walletID)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		op, err := build(current)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		typ = string(op.Type)

		w, tx, err = s.store.ApplyLedgerOp(ctx, op)
		if errors.Is(err, ledger.ErrVersionConflict) {
			metrics.LedgerRetries.Inc()
			s.logger.Debug("ledger version conflict", "wallet_id", walletID, "expected_version", op.ExpectedVersion)
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(s.newBackOff()), backoff.WithMaxTries(uint(s.maxAttempts)))

	if errors.Is(err, ledger.ErrVersionConflict) {
		err = fmt.Errorf("%w: gave up after %d attempts", ErrLedgerBusy, s.maxAttempts)
		s.logger.Warn("ledger busy", "wallet_id", walletID, "attempts", s.maxAttempts)
	}
	metrics.LedgerOps.WithLabelValues(typ, opResult(err)).Inc()
	metrics.LedgerOpDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
	return w, tx, err
}

// update applies a non-balance wallet change with the same retry policy as apply.
func (s *Service) update(ctx context.Context, walletID string, mutate ledger.WalletUpdate) (ledger.Wallet, error) {
	var w ledger.Wallet
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		current, err := s.store.GetWallet(ctx, walletID)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		w, err = s.store.UpdateWallet(ctx, walletID, current.Version, mutate)
		if errors.Is(err, ledger.ErrVersionConflict) {
			metrics.LedgerRetries.Inc()
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(s.newBackOff()), backoff.WithMaxTries(uint(s.maxAttempts)))

	if errors.Is(err, ledger.ErrVersionConflict) {
		return ledger.Wallet{}, fmt.Errorf("%w: gave up after %d attempts", ErrLedgerBusy, s.maxAttempts)
	}
	return w, err
}
