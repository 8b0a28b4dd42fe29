package sender

import (
	"context"
	"errors"
	"testing"
	"time"

	"wagateway/internal/domain"
)

func TestRateLimiter_DisabledWhenRateIsZero(t *testing.T) {
	rl := NewRateLimiter(5, 0)
	if rl != nil {
		t.Fatal("expected nil limiter")
	}
	// A nil limiter never blocks, even with a cancelled context.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("nil limiter Wait: %v", err)
	}
}

func TestRateLimiter_ImmediateBurst(t *testing.T) {
	rl := NewRateLimiter(5, 60.0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("burst token %d failed: %v", i, err)
		}
	}
}

func TestRateLimiter_WaitsAfterBurst(t *testing.T) {
	rl := NewRateLimiter(1, 600.0) // 10/sec refill

	ctx := context.Background()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	start := time.Now()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected some wait time, got %v", elapsed)
	}
}

func TestRateLimiter_CancelledContext(t *testing.T) {
	rl := NewRateLimiter(1, 1.0)
	ctx, cancel := context.WithCancel(context.Background())

	if err := rl.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Fatal("expected context cancelled error")
	}
}

func TestRateLimiter_DefaultBurst(t *testing.T) {
	rl := NewRateLimiter(0, 30)
	if rl.max != 1 {
		t.Fatalf("expected default burst 1, got %v", rl.max)
	}
}

func TestSend_ThrottleCancelledMakesNoTransportCall(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestCoordinator(t, tr, func(cfg *CoordinatorConfig) {
		cfg.Throttle = NewRateLimiter(1, 1)
	})

	if _, err := c.Send(context.Background(), domain.SendRequest{Target: "3215450397", Body: "uno"}); err != nil {
		t.Fatalf("first send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, domain.SendRequest{Target: "3215450397", Body: "dos"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
	if n := len(tr.Calls()); n != 2 {
		t.Fatalf("transport calls = %d, want 2 (first send only)", n)
	}
}
