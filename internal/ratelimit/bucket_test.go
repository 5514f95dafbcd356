package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestNew_RejectsPathologicalConfig(t *testing.T) {
	if _, err := New(0, 1000, 10); err == nil {
		t.Fatal("expected error for tokens_per_interval = 0")
	}
	if _, err := New(10, 0, 10); err == nil {
		t.Fatal("expected error for interval_ms = 0")
	}
	if _, err := New(10, 1000, 5); err == nil {
		t.Fatal("expected error when max_burst < tokens_per_interval")
	}
}

func TestTryConsume_AllowsWithinBurst(t *testing.T) {
	b, err := New(10, 1000, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := b.TryConsume(5)
	if !res.Allowed {
		t.Fatalf("expected admission within burst, got %+v", res)
	}
}

func TestTryConsume_DeniesBeyondBurst(t *testing.T) {
	b, err := New(1, 1000, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.TryConsume(1) // drain the single token
	res := b.TryConsume(1)
	if res.Allowed {
		t.Fatal("expected denial once the bucket is drained")
	}
	if res.WaitHintMs <= 0 {
		t.Fatalf("expected a positive wait hint, got %d", res.WaitHintMs)
	}
}

func TestConsume_BlocksThenSucceeds(t *testing.T) {
	b, err := New(100, 100, 100) // fast refill so the test stays quick
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.TryConsume(100) // drain burst
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Consume(ctx, 1, 10); err != nil {
		t.Fatalf("expected consume to eventually succeed, got %v", err)
	}
}

func TestConsume_HonoursContextCancellation(t *testing.T) {
	b, err := New(1, 60_000, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.TryConsume(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Consume(ctx, 1, 5); err == nil {
		t.Fatal("expected cancellation error")
	}
}
