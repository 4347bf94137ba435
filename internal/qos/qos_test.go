package qos

import (
	"context"
	"sync"
	"testing"
	"time"

	"uaip-hub/internal/envelope"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type fakeTransport struct {
	mu    sync.Mutex
	sends int
}

func (t *fakeTransport) Send(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends++
	return nil
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sends
}

func buildEnv(t *testing.T, qosLevel envelope.QoSLevel, maxRetries uint32, ttlMs uint64) envelope.Envelope {
	t.Helper()
	e, err := envelope.New(
		envelope.Entity{ID: "device-1", Type: envelope.EntityDevice},
		envelope.Entity{ID: "agent-1", Type: envelope.EntityAiAgent},
		envelope.ActionWrite,
	).WithQoS(qosLevel).
		WithTTL(ttlMs).
		WithRetryPolicy(envelope.RetryPolicy{Enabled: true, MaxRetries: maxRetries, Backoff: envelope.BackoffLinear}).
		Build()
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return e
}

func TestQoS0NeverTracked(t *testing.T) {
	e := NewEngine(nil)
	tp := &fakeTransport{}
	env := buildEnv(t, envelope.AtMostOnce, 3, 10000)
	if err := e.HandleQoS0(context.Background(), env, tp); err != nil {
		t.Fatalf("handle qos0: %v", err)
	}
	if e.TrackedCount() != 0 {
		t.Errorf("qos0 must not be tracked, got %d", e.TrackedCount())
	}
	if e.Stats().QoS0Sent != 1 {
		t.Errorf("qos0_sent = %d, want 1", e.Stats().QoS0Sent)
	}
}

func TestQoS1AcknowledgeSuccess(t *testing.T) {
	e := NewEngine(nil)
	tp := &fakeTransport{}
	env := buildEnv(t, envelope.AtLeastOnce, 3, 10000)
	if err := e.HandleQoS1(context.Background(), env, tp); err != nil {
		t.Fatalf("handle qos1: %v", err)
	}
	if e.TrackedCount() != 1 {
		t.Fatalf("expected 1 tracked message, got %d", e.TrackedCount())
	}
	if got := e.AcknowledgeQoS1(env.Header.MessageID); got != AckOK {
		t.Fatalf("acknowledge = %v, want AckOK", got)
	}
	if e.TrackedCount() != 0 {
		t.Errorf("expected tracking removed after ack, got %d", e.TrackedCount())
	}
	stats := e.Stats()
	if stats.QoS1Sent != 1 || stats.QoS1Acked != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestQoS1RetryExhaustion(t *testing.T) {
	clock := newFakeClock()
	e := NewEngine(clock)
	var terminal []TerminalReason
	e.OnTerminal(func(_ envelope.Envelope, r TerminalReason) { terminal = append(terminal, r) })
	tp := &fakeTransport{}
	env := buildEnv(t, envelope.AtLeastOnce, 2, 60000)

	if err := e.HandleQoS1(context.Background(), env, tp); err != nil {
		t.Fatalf("handle qos1: %v", err)
	}
	if tp.count() != 1 {
		t.Fatalf("expected 1 send after initial handoff, got %d", tp.count())
	}

	// max_retries=2 allows 3 total transmissions before the record is
	// abandoned: the initial send plus two retries.
	now := clock.Advance(envelope.DefaultAckTimeout)
	e.Sweep(context.Background(), now)
	if tp.count() != 2 {
		t.Fatalf("expected first retry send, got %d sends", tp.count())
	}
	if e.TrackedCount() != 1 {
		t.Fatalf("expected record still tracked after first retry, got %d", e.TrackedCount())
	}

	now = clock.Advance(2 * envelope.DefaultBackoffBase)
	e.Sweep(context.Background(), now)
	if tp.count() != 3 {
		t.Fatalf("expected second retry send, got %d sends", tp.count())
	}
	if e.TrackedCount() != 1 {
		t.Fatalf("expected record still tracked after second retry, got %d", e.TrackedCount())
	}

	now = clock.Advance(3 * envelope.DefaultBackoffBase)
	e.Sweep(context.Background(), now)

	if e.TrackedCount() != 0 {
		t.Fatalf("expected record dropped after exhausting retries, got %d", e.TrackedCount())
	}
	stats := e.Stats()
	if stats.Retries != 2 {
		t.Errorf("retries = %d, want 2", stats.Retries)
	}
	if stats.Failures != 1 {
		t.Errorf("failures = %d, want 1", stats.Failures)
	}
	if len(terminal) != 1 || terminal[0] != ReasonMaxRetriesExceeded {
		t.Errorf("terminal callback = %v, want [MaxRetriesExceeded]", terminal)
	}
}

func TestQoS2FullHandshake(t *testing.T) {
	e := NewEngine(nil)
	tp := &fakeTransport{}
	env := buildEnv(t, envelope.ExactlyOnce, 3, 10000)

	if err := e.HandleQoS2(context.Background(), env, tp); err != nil {
		t.Fatalf("handle qos2: %v", err)
	}
	if got := e.AcknowledgeQoS2PubRec(env.Header.MessageID); got != AckOK {
		t.Fatalf("pubrec ack = %v, want AckOK", got)
	}
	if e.TrackedCount() != 1 {
		t.Fatalf("expected still tracked between handshake steps, got %d", e.TrackedCount())
	}
	if got := e.AcknowledgeQoS2PubComp(env.Header.MessageID); got != AckOK {
		t.Fatalf("pubcomp ack = %v, want AckOK", got)
	}
	if e.TrackedCount() != 0 {
		t.Errorf("expected tracking removed after full handshake, got %d", e.TrackedCount())
	}
	if e.Stats().QoS2Completed != 1 {
		t.Errorf("qos2_completed = %d, want 1", e.Stats().QoS2Completed)
	}
}

func TestQoS2PubCompBeforePubRecLeavesStateUntouched(t *testing.T) {
	e := NewEngine(nil)
	tp := &fakeTransport{}
	env := buildEnv(t, envelope.ExactlyOnce, 3, 10000)
	if err := e.HandleQoS2(context.Background(), env, tp); err != nil {
		t.Fatalf("handle qos2: %v", err)
	}

	if got := e.AcknowledgeQoS2PubComp(env.Header.MessageID); got != AckInvalidState {
		t.Fatalf("out-of-order pubcomp = %v, want AckInvalidState", got)
	}
	if e.TrackedCount() != 1 {
		t.Fatalf("mismatched ack must not drop tracking, got %d", e.TrackedCount())
	}

	// The record must be untouched: the correct next step still succeeds.
	if got := e.AcknowledgeQoS2PubRec(env.Header.MessageID); got != AckOK {
		t.Fatalf("pubrec after rejected pubcomp = %v, want AckOK", got)
	}
	if got := e.AcknowledgeQoS2PubComp(env.Header.MessageID); got != AckOK {
		t.Fatalf("pubcomp = %v, want AckOK", got)
	}
}

func TestAcknowledgeUnknownMessageNotFound(t *testing.T) {
	e := NewEngine(nil)
	if got := e.AcknowledgeQoS1("does-not-exist"); got != AckNotFound {
		t.Errorf("ack on unknown id = %v, want AckNotFound", got)
	}
	if got := e.AcknowledgeQoS2PubRec("does-not-exist"); got != AckNotFound {
		t.Errorf("pubrec on unknown id = %v, want AckNotFound", got)
	}
}

func TestBackoffDelayFormula(t *testing.T) {
	if d := backoffDelay(envelope.BackoffLinear, 3); d != 3*envelope.DefaultBackoffBase {
		t.Errorf("linear backoff(3) = %v, want %v", d, 3*envelope.DefaultBackoffBase)
	}
	if d := backoffDelay(envelope.BackoffExponential, 4); d != 8*envelope.DefaultBackoffBase {
		t.Errorf("exponential backoff(4) = %v, want %v", d, 8*envelope.DefaultBackoffBase)
	}
	if d := backoffDelay(envelope.BackoffExponential, 20); d != envelope.DefaultBackoffCap {
		t.Errorf("exponential backoff(20) = %v, want capped at %v", d, envelope.DefaultBackoffCap)
	}
}

func TestTTLExpiryAbandonsRecord(t *testing.T) {
	clock := newFakeClock()
	e := NewEngine(clock)
	var terminal []TerminalReason
	e.OnTerminal(func(_ envelope.Envelope, r TerminalReason) { terminal = append(terminal, r) })
	tp := &fakeTransport{}
	env := buildEnv(t, envelope.AtLeastOnce, 5, 1000) // ttl shorter than the ack timeout

	if err := e.HandleQoS1(context.Background(), env, tp); err != nil {
		t.Fatalf("handle qos1: %v", err)
	}

	now := clock.Advance(envelope.DefaultAckTimeout)
	e.Sweep(context.Background(), now)

	if e.TrackedCount() != 0 {
		t.Fatalf("expected record dropped on ttl expiry, got %d", e.TrackedCount())
	}
	if len(terminal) != 1 || terminal[0] != ReasonTTLExpired {
		t.Errorf("terminal callback = %v, want [TTLExpired]", terminal)
	}
}
