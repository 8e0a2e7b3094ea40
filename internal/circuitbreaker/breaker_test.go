package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func testConfig() Config {
	return Config{
		MaxRequests:      5,
		Interval:         200 * time.Millisecond,
		Timeout:          100 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

func TestBreakerStates(t *testing.T) {
	logger := zaptest.NewLogger(t)
	b := New("test", testConfig(), logger)
	ctx := context.Background()

	if b.State() != StateClosed {
		t.Errorf("Expected initial state to be closed, got %s", b.State())
	}

	// Successful calls keep the breaker closed
	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, func() error { return nil }); err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("Expected state to remain closed, got %s", b.State())
	}

	// Consecutive failures trip the breaker
	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, func() error { return errors.New("test error") }); err == nil {
			t.Error("Expected error, got nil")
		}
	}
	if b.State() != StateOpen {
		t.Errorf("Expected state to be open, got %s", b.State())
	}

	// Open breaker rejects requests
	if err := b.Execute(ctx, func() error { return nil }); err != ErrBreakerOpen {
		t.Errorf("Expected breaker open error, got %v", err)
	}

	// Wait for timeout to transition to half-open
	time.Sleep(150 * time.Millisecond)
	b.beforeRequest()

	if b.State() != StateHalfOpen {
		t.Errorf("Expected state to be half-open, got %s", b.State())
	}

	// Success threshold in half-open closes the breaker
	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, func() error { return nil }); err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("Expected state to be closed, got %s", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	logger := zaptest.NewLogger(t)
	b := New("test", testConfig(), logger)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func() error { return errors.New("boom") })
	}
	if b.State() != StateOpen {
		t.Fatalf("Expected open, got %s", b.State())
	}

	time.Sleep(150 * time.Millisecond)

	// A single failure in half-open goes straight back to open
	_ = b.Execute(ctx, func() error { return errors.New("still down") })
	if b.State() != StateOpen {
		t.Errorf("Expected state to be open again, got %s", b.State())
	}
}

func TestBreakerHalfOpenLimitsRequests(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	cfg.MaxRequests = 1
	cfg.SuccessThreshold = 5
	b := New("test", cfg, logger)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func() error { return errors.New("boom") })
	}
	time.Sleep(150 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = b.Execute(ctx, func() error {
			<-done
			return nil
		})
	}()

	// Give the first half-open request time to occupy the slot
	time.Sleep(20 * time.Millisecond)

	if err := b.Execute(ctx, func() error { return nil }); err != ErrTooManyRequests {
		t.Errorf("Expected too-many-requests error, got %v", err)
	}
	close(done)
}
