package keybridge

import (
	"testing"
	"time"
)

func TestConnContext_BufferQuota(t *testing.T) {
	c := NewConnContextWithLimits(ConnLimits{MaxBuffer: 64, Rate: 1, Burst: 1, Initial: 1})

	if !c.Reserve(64) {
		t.Fatalf("reserving exactly the quota should succeed")
	}
	if c.Reserve(1) {
		t.Fatalf("reserving past the quota should fail")
	}
	c.Release(1)
	c.Release(32)
	if !c.Reserve(32) {
		t.Fatalf("released bytes should be reusable")
	}
}

func TestConnContext_DefaultLimits(t *testing.T) {
	c := NewConnContext()
	if !c.Reserve(int(DefaultConnLimits.MaxBuffer)) || c.Reserve(1) {
		t.Fatalf("default buffer quota should be %d bytes", DefaultConnLimits.MaxBuffer)
	}
	n := 0
	for c.Allow() && n < 1000 {
		n++
	}
	if int64(n) != DefaultConnLimits.Initial {
		t.Fatalf("expected %d initial tokens, got %d", DefaultConnLimits.Initial, n)
	}
}

func TestConnContext_TokenBucket(t *testing.T) {
	// 100 tokens/sec refills one token every 10ms.
	c := NewConnContextWithLimits(ConnLimits{MaxBuffer: 1, Rate: 100, Burst: 5, Initial: 2})

	if !c.Allow() || !c.Allow() {
		t.Fatalf("expected the initial tokens to be available")
	}
	for i := 0; i < 3; i++ {
		if c.Allow() {
			t.Fatalf("expected an empty bucket to stay empty (call %d)", i)
		}
	}

	time.Sleep(11 * time.Millisecond)
	if !c.Allow() {
		t.Fatalf("expected a token after refill")
	}

	// Refill never exceeds the burst.
	time.Sleep(100 * time.Millisecond)
	n := 0
	for c.Allow() && n < 100 {
		n++
	}
	if n != 5 {
		t.Fatalf("expected burst of 5 tokens, got %d", n)
	}
}
