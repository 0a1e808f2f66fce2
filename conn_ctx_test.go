package novarfb

import (
	"testing"
	"time"
)

func testLimits() Limits {
	return Limits{MaxPending: 256 * 1024, InputRate: 100, InputBurst: 200}
}

func TestConnContext_Reserve_TrackBufferUsage(t *testing.T) {
	ctx := NewConnContext(testLimits())

	maxBuf := int64(256 * 1024)

	// Exactly at the limit is allowed.
	if !ctx.Reserve(int(maxBuf)) {
		t.Fatalf("expected Reserve(%d) to succeed (at limit)", maxBuf)
	}

	if ctx.Reserve(1) {
		t.Fatalf("expected Reserve to fail when exceeding maxBuffer")
	}
}

func TestConnContext_Release_DecreasesBufferUsage(t *testing.T) {
	ctx := NewConnContext(testLimits())

	ctx.Reserve(100)
	ctx.Release(50)

	if got := ctx.Used(); got != 50 {
		t.Fatalf("Used()=%d, want 50", got)
	}
	if !ctx.Reserve(50) {
		t.Fatalf("expected Reserve after Release to succeed")
	}
}

func TestConnContext_Reserve_ZeroMaxIsUnbounded(t *testing.T) {
	ctx := NewConnContext(Limits{})
	if !ctx.Reserve(1 << 30) {
		t.Fatalf("expected unbounded Reserve to succeed")
	}
}

func TestConnContext_Allow_InitialTokens(t *testing.T) {
	ctx := NewConnContext(testLimits())

	for i := 0; i < 100; i++ {
		if !ctx.Allow() {
			t.Fatalf("expected Allow() to succeed for initial token %d", i)
		}
	}

	if ctx.Allow() {
		t.Fatalf("expected Allow() to fail after exhausting tokens")
	}
}

func TestConnContext_Allow_TokenRefillAfterDelay(t *testing.T) {
	ctx := NewConnContext(testLimits())

	for i := 0; i < 100; i++ {
		ctx.Allow()
	}

	if ctx.Allow() {
		t.Fatalf("expected Allow() to fail when out of tokens")
	}

	// rate=100/s, one token per 10ms
	time.Sleep(11 * time.Millisecond)

	if !ctx.Allow() {
		t.Fatalf("expected Allow() to succeed after token refill")
	}
}

func TestConnContext_Allow_BurstLimit(t *testing.T) {
	ctx := NewConnContext(testLimits())

	for i := 0; i < 100; i++ {
		ctx.Allow()
	}

	time.Sleep(2*time.Second + 10*time.Millisecond)

	count := 0
	for ctx.Allow() && count < 300 {
		count++
	}

	if count != 200 {
		t.Fatalf("expected exactly 200 tokens (burst limit), got %d", count)
	}
}

func TestConnContext_Allow_ZeroRateNeverLimits(t *testing.T) {
	ctx := NewConnContext(Limits{})
	for i := 0; i < 10000; i++ {
		if !ctx.Allow() {
			t.Fatalf("expected Allow() with zero rate to always succeed (iteration %d)", i)
		}
	}
}
