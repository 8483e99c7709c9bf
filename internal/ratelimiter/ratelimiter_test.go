package ratelimiter

import (
	"context"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name          string
		rate          float64
		burst         int
		wantUnlimited bool
	}{
		{name: "standard rate", rate: 10, burst: 20},
		{name: "burst clamped", rate: 5, burst: 0},
		{name: "unlimited (zero rate)", rate: 0, burst: 0, wantUnlimited: true},
		{name: "unlimited (negative rate)", rate: -1, burst: 3, wantUnlimited: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.rate, tt.burst)
			if limiter == nil || limiter.limiter == nil {
				t.Fatal("New() returned an unusable limiter")
			}
			if got := limiter.Unlimited(); got != tt.wantUnlimited {
				t.Fatalf("Unlimited() = %v, want %v", got, tt.wantUnlimited)
			}
		})
	}
}

// TestAllow verifies the bucket drains after the burst and refills over time.
func TestAllow(t *testing.T) {
	limiter := New(10, 3)

	for i := 0; i < 3; i++ {
		if !limiter.Allow() {
			t.Fatalf("dial %d should be allowed (within burst)", i)
		}
	}
	if limiter.Allow() {
		t.Fatal("dial should be limited after burst exhausted")
	}

	time.Sleep(110 * time.Millisecond)

	if !limiter.Allow() {
		t.Fatal("dial should be allowed after token replenishment")
	}
}

func TestUnlimitedNeverBlocks(t *testing.T) {
	limiter := New(0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	for i := 0; i < 1000; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatalf("Wait() #%d failed: %v", i, err)
		}
	}
}

// TestWaitCancelled verifies Wait gives up when the context is cancelled.
func TestWaitCancelled(t *testing.T) {
	limiter := New(1, 1)
	if !limiter.Allow() {
		t.Fatal("first dial should be allowed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := limiter.Wait(ctx); err == nil {
		t.Fatal("Wait() should fail once the context deadline passes")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Wait() took %v, expected to return near the deadline", elapsed)
	}
}
