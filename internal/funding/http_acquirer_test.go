package funding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/congo-pay/walletcore/internal/logging"
)

type fakeProcessor struct {
	mu         sync.Mutex
	voided     []string
	delay      time.Duration
	voidStatus int
}

func (p *fakeProcessor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/void") {
		p.mu.Lock()
		p.voided = append(p.voided, strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/charges/"), "/void"))
		p.mu.Unlock()
		if p.voidStatus != 0 {
			w.WriteHeader(p.voidStatus)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if r.Header.Get("Idempotency-Key") != req.Reference {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if req.Token == "tok_declined" {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(chargeResponse{Status: "declined", Reason: "do_not_honor"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(chargeResponse{ID: "ch_" + req.Reference, Status: "approved"})
}

func (p *fakeProcessor) voids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.voided...)
}

func TestHTTPAcquirerAuthorize(t *testing.T) {
	proc := &fakeProcessor{}
	srv := httptest.NewServer(proc)
	defer srv.Close()

	acq := NewHTTPAcquirer(srv.URL, time.Second, logging.Discard())
	handle, err := acq.Authorize(context.Background(), Charge{Reference: "ref-1", Token: "tok_ok", Amount: 5_000, Currency: "USD"})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if handle.ID != "ch_ref-1" || handle.Amount != 5_000 {
		t.Fatalf("unexpected handle: %+v", handle)
	}

	if err := acq.Release(context.Background(), handle); err != nil {
		t.Fatalf("release: %v", err)
	}
	if v := proc.voids(); len(v) != 1 || v[0] != "ref-1" {
		t.Fatalf("expected void of ref-1, got %v", v)
	}
}

func TestHTTPAcquirerDeclined(t *testing.T) {
	srv := httptest.NewServer(&fakeProcessor{})
	defer srv.Close()

	acq := NewHTTPAcquirer(srv.URL, time.Second, logging.Discard())
	_, err := acq.Authorize(context.Background(), Charge{Reference: "ref-2", Token: "tok_declined", Amount: 100, Currency: "USD"})
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected declined, got %v", err)
	}
}

func TestHTTPAcquirerTimeoutVoidsCharge(t *testing.T) {
	proc := &fakeProcessor{delay: 300 * time.Millisecond}
	srv := httptest.NewServer(proc)
	defer srv.Close()

	acq := NewHTTPAcquirer(srv.URL, 50*time.Millisecond, logging.Discard())
	_, err := acq.Authorize(context.Background(), Charge{Reference: "ref-3", Token: "tok_ok", Amount: 100, Currency: "USD"})
	if !errors.Is(err, ErrProviderTimeout) {
		t.Fatalf("expected provider timeout, got %v", err)
	}
	if v := proc.voids(); len(v) != 1 || v[0] != "ref-3" {
		t.Fatalf("expected void after timeout, got %v", v)
	}
}

func TestHTTPAcquirerTimeoutWithFailedVoidIsPending(t *testing.T) {
	proc := &fakeProcessor{delay: 300 * time.Millisecond, voidStatus: http.StatusInternalServerError}
	srv := httptest.NewServer(proc)
	defer srv.Close()

	acq := NewHTTPAcquirer(srv.URL, 50*time.Millisecond, logging.Discard())
	_, err := acq.Authorize(context.Background(), Charge{Reference: "ref-5", Token: "tok_ok", Amount: 100, Currency: "USD"})
	if !errors.Is(err, ErrChargePending) {
		t.Fatalf("expected pending charge, got %v", err)
	}
	if errors.Is(err, ErrProviderTimeout) {
		t.Fatalf("an unvoided charge must not read as safe to retry: %v", err)
	}
	if !strings.Contains(err.Error(), "ref-5") {
		t.Fatalf("error must carry the charge reference: %v", err)
	}
}

func TestHTTPAcquirerExpiredContext(t *testing.T) {
	srv := httptest.NewServer(&fakeProcessor{})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	acq := NewHTTPAcquirer(srv.URL, time.Second, logging.Discard())
	if _, err := acq.Authorize(ctx, Charge{Reference: "ref-4", Token: "tok_ok", Amount: 100, Currency: "USD"}); !errors.Is(err, ErrProviderTimeout) {
		t.Fatalf("expected provider timeout for canceled context, got %v", err)
	}
}
