// Package qos implements the delivery-guarantee state machine for QoS 0/1/2
// messages: fire-and-forget, single-ack tracking with retry, and the
// PUBREC/PUBCOMP-style four-step handshake for exactly-once delivery.
// Grounded on the original prototype's uaip-router qos.rs, with one
// deliberate divergence: a mismatched acknowledgment never mutates tracked
// state (the prototype's acknowledge_qos2_pubcomp re-inserts the record it
// just removed on a state mismatch; this engine simply never removes it
// until the match succeeds, so there is nothing to re-insert).
package qos

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"uaip-hub/internal/apierr"
	"uaip-hub/internal/envelope"
	"uaip-hub/internal/metrics"
	"uaip-hub/internal/transport"
)

// State is a tracked message's position in its delivery handshake.
type State int

const (
	AwaitingAck State = iota
	AwaitingPubRec
	AwaitingPubComp
	Completed
)

func (s State) String() string {
	switch s {
	case AwaitingAck:
		return "awaiting_ack"
	case AwaitingPubRec:
		return "awaiting_pubrec"
	case AwaitingPubComp:
		return "awaiting_pubcomp"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// AckResult is the typed outcome of an acknowledgment call, modeled as a
// value the caller switches on rather than as an error unwound through the
// stack, per the expected-control-flow treatment ack mismatches get.
type AckResult int

const (
	AckOK AckResult = iota
	AckInvalidState
	AckNotFound
)

// Record is one in-flight QoS 1/2 message the engine is tracking toward an
// acknowledgment.
type Record struct {
	Envelope    envelope.Envelope
	State       State
	Attempts    uint32
	MaxAttempts uint32
	NextRetryAt time.Time
	Deadline    time.Time
	transport   transport.Transport
}

// Stats are cumulative delivery counters, mirroring QosStats in the
// original prototype.
type Stats struct {
	QoS0Sent      uint64
	QoS1Sent      uint64
	QoS1Acked     uint64
	QoS2Sent      uint64
	QoS2Completed uint64
	Retries       uint64
	Failures      uint64
}

type counters struct {
	qos0Sent, qos1Sent, qos1Acked uint64
	qos2Sent, qos2Completed       uint64
	retries, failures             uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		QoS0Sent:      atomic.LoadUint64(&c.qos0Sent),
		QoS1Sent:      atomic.LoadUint64(&c.qos1Sent),
		QoS1Acked:     atomic.LoadUint64(&c.qos1Acked),
		QoS2Sent:      atomic.LoadUint64(&c.qos2Sent),
		QoS2Completed: atomic.LoadUint64(&c.qos2Completed),
		Retries:       atomic.LoadUint64(&c.retries),
		Failures:      atomic.LoadUint64(&c.failures),
	}
}

// heapItem is a scheduled retry check. Entries go stale when their record's
// NextRetryAt moves past them (rescheduled) or the record is gone
// (completed); Sweep discards stale entries lazily instead of maintaining
// decrease-key positions.
type heapItem struct {
	messageID string
	at        time.Time
	index     int
}

type retryHeap []*heapItem

func (h retryHeap) Len() int            { return len(h) }
func (h retryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h retryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *retryHeap) Push(x any) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// TerminalReason distinguishes why a tracked message was abandoned.
type TerminalReason int

const (
	ReasonMaxRetriesExceeded TerminalReason = iota
	ReasonTTLExpired
)

// Engine tracks in-flight QoS 1/2 messages and drives their retry timers.
type Engine struct {
	mu    sync.Mutex
	clock Clock

	tracked map[string]*Record
	heap    retryHeap

	counters counters
	metrics  *metrics.Registry

	// onTerminal, if set, is invoked (outside the lock) whenever a tracked
	// message is abandoned after exhausting retries or crossing its TTL.
	onTerminal func(envelope.Envelope, TerminalReason)
}

// NewEngine constructs an Engine. A nil clock uses SystemClock.
func NewEngine(clock Clock) *Engine {
	if clock == nil {
		clock = SystemClock
	}
	e := &Engine{clock: clock, tracked: make(map[string]*Record)}
	heap.Init(&e.heap)
	return e
}

// OnTerminal registers a callback for abandoned messages. Not goroutine-safe
// to call concurrently with Sweep; set it once during wiring.
func (e *Engine) OnTerminal(fn func(envelope.Envelope, TerminalReason)) {
	e.onTerminal = fn
}

// SetMetrics attaches a Prometheus registry the engine publishes delivery
// counters to. Not goroutine-safe to call concurrently with the handlers
// below; set it once during wiring, same as OnTerminal.
func (e *Engine) SetMetrics(reg *metrics.Registry) {
	e.metrics = reg
}

func ackTimeout(env *envelope.Envelope) time.Duration {
	if env.Metadata.AckTimeoutMs != nil {
		return time.Duration(*env.Metadata.AckTimeoutMs) * time.Millisecond
	}
	return envelope.DefaultAckTimeout
}

// backoffDelay computes the wait before the next retry attempt, per
// section 4.3: linear is base*attempts, exponential is base*2^(attempts-1)
// capped at DefaultBackoffCap. attempts is the post-increment attempt count.
func backoffDelay(strategy envelope.BackoffStrategy, attempts uint32) time.Duration {
	base := envelope.DefaultBackoffBase
	if strategy == envelope.BackoffExponential {
		d := base * time.Duration(uint64(1)<<(attempts-1))
		if d > envelope.DefaultBackoffCap {
			d = envelope.DefaultBackoffCap
		}
		return d
	}
	d := base * time.Duration(attempts)
	if d > envelope.DefaultBackoffCap {
		d = envelope.DefaultBackoffCap
	}
	return d
}

// HandleQoS0 delivers a fire-and-forget message. Nothing is tracked; the
// send result is returned directly and not retried.
func (e *Engine) HandleQoS0(ctx context.Context, env envelope.Envelope, t transport.Transport) error {
	atomic.AddUint64(&e.counters.qos0Sent, 1)
	if e.metrics != nil {
		e.metrics.RecordQoSSent("0")
	}
	data, err := envelope.Encode(&env)
	if err != nil {
		return err
	}
	if err := t.Send(ctx, data); err != nil {
		return apierr.Newf(apierr.ConnectionFailed, "qos0 send: %v", err)
	}
	return nil
}

// HandleQoS1 delivers an at-least-once message and begins tracking it for
// acknowledgment and retry.
func (e *Engine) HandleQoS1(ctx context.Context, env envelope.Envelope, t transport.Transport) error {
	now := e.clock.Now()
	rec := &Record{
		Envelope:    env,
		State:       AwaitingAck,
		Attempts:    1,
		MaxAttempts: env.MaxRetries() + 1,
		NextRetryAt: now.Add(ackTimeout(&env)),
		Deadline:    env.Deadline(),
		transport:   t,
	}
	e.mu.Lock()
	e.tracked[env.Header.MessageID] = rec
	heap.Push(&e.heap, &heapItem{messageID: env.Header.MessageID, at: rec.NextRetryAt})
	e.mu.Unlock()

	atomic.AddUint64(&e.counters.qos1Sent, 1)
	if e.metrics != nil {
		e.metrics.RecordQoSSent("1")
	}
	data, err := envelope.Encode(&env)
	if err != nil {
		return err
	}
	if err := t.Send(ctx, data); err != nil {
		return apierr.Newf(apierr.ConnectionFailed, "qos1 send: %v", err)
	}
	return nil
}

// HandleQoS2 delivers an exactly-once message and begins tracking it
// through the PUBREC/PUBCOMP handshake.
func (e *Engine) HandleQoS2(ctx context.Context, env envelope.Envelope, t transport.Transport) error {
	now := e.clock.Now()
	rec := &Record{
		Envelope:    env,
		State:       AwaitingPubRec,
		Attempts:    1,
		MaxAttempts: env.MaxRetries() + 1,
		NextRetryAt: now.Add(ackTimeout(&env)),
		Deadline:    env.Deadline(),
		transport:   t,
	}
	e.mu.Lock()
	e.tracked[env.Header.MessageID] = rec
	heap.Push(&e.heap, &heapItem{messageID: env.Header.MessageID, at: rec.NextRetryAt})
	e.mu.Unlock()

	atomic.AddUint64(&e.counters.qos2Sent, 1)
	if e.metrics != nil {
		e.metrics.RecordQoSSent("2")
	}
	data, err := envelope.Encode(&env)
	if err != nil {
		return err
	}
	if err := t.Send(ctx, data); err != nil {
		return apierr.Newf(apierr.ConnectionFailed, "qos2 send: %v", err)
	}
	return nil
}

// AcknowledgeQoS1 completes a QoS 1 message on its single ack step.
func (e *Engine) AcknowledgeQoS1(messageID string) AckResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.tracked[messageID]
	if !ok {
		return AckNotFound
	}
	if rec.State != AwaitingAck {
		return AckInvalidState
	}
	delete(e.tracked, messageID)
	atomic.AddUint64(&e.counters.qos1Acked, 1)
	if e.metrics != nil {
		e.metrics.QoSAcked.Inc()
	}
	return AckOK
}

// AcknowledgeQoS2PubRec advances a QoS 2 message past the first handshake
// step. A mismatched state leaves the record untouched.
func (e *Engine) AcknowledgeQoS2PubRec(messageID string) AckResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.tracked[messageID]
	if !ok {
		return AckNotFound
	}
	if rec.State != AwaitingPubRec {
		return AckInvalidState
	}
	rec.State = AwaitingPubComp
	now := e.clock.Now()
	rec.NextRetryAt = now.Add(ackTimeout(&rec.Envelope))
	heap.Push(&e.heap, &heapItem{messageID: messageID, at: rec.NextRetryAt})
	return AckOK
}

// AcknowledgeQoS2PubComp completes a QoS 2 message's final handshake step.
// Unlike the prototype this is grounded on, a state mismatch never mutates
// or re-inserts the tracked record: the lookup above never removed it, so
// there is nothing to put back.
func (e *Engine) AcknowledgeQoS2PubComp(messageID string) AckResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.tracked[messageID]
	if !ok {
		return AckNotFound
	}
	if rec.State != AwaitingPubComp {
		return AckInvalidState
	}
	delete(e.tracked, messageID)
	atomic.AddUint64(&e.counters.qos2Completed, 1)
	if e.metrics != nil {
		e.metrics.QoSCompleted.Inc()
	}
	return AckOK
}

// Sweep processes every retry check due at or before now: expired records
// are abandoned, exhausted records fail, everything else is resent with the
// next backoff delay scheduled. Exported directly so tests can drive it with
// an injected Clock instead of waiting on a real ticker.
func (e *Engine) Sweep(ctx context.Context, now time.Time) {
	for {
		e.mu.Lock()
		if e.heap.Len() == 0 {
			e.mu.Unlock()
			return
		}
		head := e.heap[0]
		if head.at.After(now) {
			e.mu.Unlock()
			return
		}
		heap.Pop(&e.heap)

		rec, ok := e.tracked[head.messageID]
		if !ok || !rec.NextRetryAt.Equal(head.at) {
			// Stale entry: already acked, completed, or rescheduled.
			e.mu.Unlock()
			continue
		}

		if now.After(rec.Deadline) {
			delete(e.tracked, head.messageID)
			atomic.AddUint64(&e.counters.failures, 1)
			if e.metrics != nil {
				e.metrics.QoSFailures.Inc()
			}
			env := rec.Envelope
			e.mu.Unlock()
			e.notifyTerminal(env, ReasonTTLExpired)
			continue
		}

		if rec.Attempts >= rec.MaxAttempts {
			delete(e.tracked, head.messageID)
			atomic.AddUint64(&e.counters.failures, 1)
			if e.metrics != nil {
				e.metrics.QoSFailures.Inc()
			}
			env := rec.Envelope
			e.mu.Unlock()
			e.notifyTerminal(env, ReasonMaxRetriesExceeded)
			continue
		}

		rec.Attempts++
		delay := backoffDelay(rec.Envelope.Backoff(), rec.Attempts)
		rec.NextRetryAt = now.Add(delay)
		heap.Push(&e.heap, &heapItem{messageID: head.messageID, at: rec.NextRetryAt})
		atomic.AddUint64(&e.counters.retries, 1)
		if e.metrics != nil {
			e.metrics.QoSRetries.Inc()
		}
		env := rec.Envelope
		t := rec.transport
		e.mu.Unlock()

		data, err := envelope.Encode(&env)
		if err == nil {
			_ = t.Send(ctx, data)
		}
	}
}

func (e *Engine) notifyTerminal(env envelope.Envelope, reason TerminalReason) {
	if e.onTerminal != nil {
		e.onTerminal(env, reason)
	}
}

// Run drives Sweep on a fixed poll interval until ctx is canceled. Intended
// for production wiring; tests call Sweep directly against an injected
// Clock for determinism.
func (e *Engine) Run(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx, e.clock.Now())
		}
	}
}

// TrackedCount returns the number of in-flight QoS 1/2 messages.
func (e *Engine) TrackedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracked)
}

// Clear drops all tracked messages without notifying or counting them as
// failures.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracked = make(map[string]*Record)
	e.heap = e.heap[:0]
}

// Stats returns a snapshot of cumulative delivery counters.
func (e *Engine) Stats() Stats {
	return e.counters.snapshot()
}
