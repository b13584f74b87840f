package funding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/congo-pay/walletcore/internal/metrics"
)

const defaultAcquirerTimeout = 10 * time.Second

// HTTPAcquirer talks to a card processor over JSON/HTTP.
//
//	POST {base}/charges              authorize, 201 approved, 402 declined
//	POST {base}/charges/{ref}/void   void by idempotency reference
//
// Every authorization carries the caller's reference as Idempotency-Key so a
// void after a timeout cancels whatever the processor may have booked.
type HTTPAcquirer struct {
	baseURL string
	timeout time.Duration
	logger  *slog.Logger
}

// NewHTTPAcquirer builds an acquirer client for baseURL.
func NewHTTPAcquirer(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPAcquirer {
	if timeout <= 0 {
		timeout = defaultAcquirerTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPAcquirer{baseURL: strings.TrimRight(baseURL, "/"), timeout: timeout, logger: logger}
}

type chargeRequest struct {
	Reference string `json:"reference"`
	Token     string `json:"token"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

type chargeResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Authorize requests an authorization. On timeout the charge is voided and
// ErrProviderTimeout is returned. If the void fails as well the result is
// ErrChargePending.
func (a *HTTPAcquirer) Authorize(ctx context.Context, charge Charge) (ChargeHandle, error) {
	timeout, err := a.budget(ctx)
	if err != nil {
		metrics.PortCalls.WithLabelValues("acquirer", "timeout").Inc()
		return ChargeHandle{}, ErrProviderTimeout
	}

	agent := fiber.Post(a.baseURL+"/charges").
		Set("Idempotency-Key", charge.Reference).
		JSON(chargeRequest{Reference: charge.Reference, Token: charge.Token, Amount: charge.Amount, Currency: charge.Currency}).
		Timeout(timeout)
	status, body, errs := agent.Bytes()
	if len(errs) > 0 {
		if isTimeout(errs) {
			metrics.PortCalls.WithLabelValues("acquirer", "timeout").Inc()
			if err := a.void(charge.Reference); err != nil {
				metrics.PortCalls.WithLabelValues("acquirer", "pending").Inc()
				return ChargeHandle{}, fmt.Errorf("%w: reference %s: %v", ErrChargePending, charge.Reference, err)
			}
			return ChargeHandle{}, ErrProviderTimeout
		}
		metrics.PortCalls.WithLabelValues("acquirer", "error").Inc()
		return ChargeHandle{}, fmt.Errorf("acquirer authorize: %w", errors.Join(errs...))
	}

	switch {
	case status == http.StatusPaymentRequired:
		metrics.PortCalls.WithLabelValues("acquirer", "declined").Inc()
		return ChargeHandle{}, ErrDeclined
	case status < 200 || status > 299:
		metrics.PortCalls.WithLabelValues("acquirer", "error").Inc()
		return ChargeHandle{}, fmt.Errorf("acquirer authorize: unexpected status %d", status)
	}

	var resp chargeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ChargeHandle{}, fmt.Errorf("acquirer authorize: decode: %w", err)
	}
	if resp.Status == "declined" {
		metrics.PortCalls.WithLabelValues("acquirer", "declined").Inc()
		return ChargeHandle{}, ErrDeclined
	}
	metrics.PortCalls.WithLabelValues("acquirer", "approved").Inc()
	return ChargeHandle{ID: resp.ID, Reference: charge.Reference, Amount: charge.Amount}, nil
}

// Release voids an authorized charge.
func (a *HTTPAcquirer) Release(ctx context.Context, handle ChargeHandle) error {
	timeout, err := a.budget(ctx)
	if err != nil {
		return ErrProviderTimeout
	}
	return a.post(a.voidURL(handle.Reference), timeout)
}

func (a *HTTPAcquirer) void(reference string) error {
	err := a.post(a.voidURL(reference), a.timeout)
	if err != nil {
		a.logger.Error("acquirer void failed", "reference", reference, "error", err)
	}
	return err
}

func (a *HTTPAcquirer) voidURL(reference string) string {
	return a.baseURL + "/charges/" + url.PathEscape(reference) + "/void"
}

func (a *HTTPAcquirer) post(target string, timeout time.Duration) error {
	status, _, errs := fiber.Post(target).Timeout(timeout).Bytes()
	if len(errs) > 0 {
		if isTimeout(errs) {
			return ErrProviderTimeout
		}
		return errors.Join(errs...)
	}
	if status == http.StatusNotFound || (status >= 200 && status <= 299) {
		return nil
	}
	return fmt.Errorf("acquirer void: unexpected status %d", status)
}

// budget clamps the configured timeout to the context deadline.
func (a *HTTPAcquirer) budget(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	timeout := a.timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, context.DeadlineExceeded
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	return timeout, nil
}

func isTimeout(errs []error) bool {
	for _, err := range errs {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return true
		}
	}
	return false
}
