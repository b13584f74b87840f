package infra

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if _, err := NewRedisClient(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestWaitForRetriesUntilPingSucceeds(t *testing.T) {
	calls := 0
	err := waitFor(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not ready")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("waitFor: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 pings got %d", calls)
	}
}

func TestWaitForGivesUp(t *testing.T) {
	calls := 0
	err := waitFor(context.Background(), func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != connectAttempts {
		t.Fatalf("expected %d pings got %d", connectAttempts, calls)
	}
}
