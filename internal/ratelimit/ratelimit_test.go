package ratelimit

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestLimiter(perSenderBurst, globalBurst int) *Limiter {
	l := New(Config{
		PerSenderRate:  1,
		PerSenderBurst: perSenderBurst,
		GlobalRate:     1000,
		GlobalBurst:    globalBurst,
		Logger:         zerolog.Nop(),
	})
	return l
}

func TestAllowWithinBurstSucceeds(t *testing.T) {
	l := newTestLimiter(3, 100)
	defer l.Stop()
	for i := 0; i < 3; i++ {
		if !l.Allow("device-1") {
			t.Fatalf("submission %d unexpectedly rejected", i)
		}
	}
}

func TestAllowRejectsBeyondPerSenderBurst(t *testing.T) {
	l := newTestLimiter(2, 100)
	defer l.Stop()
	l.Allow("device-1")
	l.Allow("device-1")
	if l.Allow("device-1") {
		t.Fatal("expected third rapid submission from the same sender to be rejected")
	}
}

func TestDistinctSendersHaveIndependentBuckets(t *testing.T) {
	l := newTestLimiter(1, 100)
	defer l.Stop()
	if !l.Allow("device-1") {
		t.Fatal("expected first sender's submission to be allowed")
	}
	if !l.Allow("device-2") {
		t.Fatal("expected a different sender to have its own untouched bucket")
	}
}

func TestGlobalBurstCapsAcrossAllSenders(t *testing.T) {
	l := newTestLimiter(100, 2)
	defer l.Stop()
	l.Allow("device-1")
	l.Allow("device-2")
	if l.Allow("device-3") {
		t.Fatal("expected global burst to be exhausted across distinct senders")
	}
}

func TestTrackedSendersCountsDistinctCallers(t *testing.T) {
	l := newTestLimiter(5, 100)
	defer l.Stop()
	l.Allow("device-1")
	l.Allow("device-2")
	if got := l.TrackedSenders(); got != 2 {
		t.Errorf("TrackedSenders() = %d, want 2", got)
	}
}
