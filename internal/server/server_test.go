package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletcore/internal/config"
	"github.com/congo-pay/walletcore/internal/logging"
)

func TestErrorsRenderAsJSON(t *testing.T) {
	cfg := config.Config{
		AppName:         "test",
		AppEnv:          "test",
		DefaultCurrency: "USD",
		FingerprintKey:  "k",
		LedgerAttempts:  3,
		SessionTTL:      time.Minute,
		SessionRetain:   time.Hour,
		PortTimeout:     time.Second,
	}
	srv, err := New(cfg, nil, nil, logging.Discard())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if srv.Services().Sessions == nil {
		t.Fatalf("expected session manager")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/wallets", strings.NewReader(`{"owner_id":""}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := srv.app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] == "" {
		t.Fatalf("expected error message")
	}
}
