// Package router is the coordination centerpoint: it validates and hop-
// checks inbound envelopes, resolves recipients through the route table,
// hands live recipients to the QoS engine, queues everyone else, and drains
// the queue as routes come back online. Grounded on the original
// prototype's uaip-router MessageRouter, generalized with hop-count
// handling, broadcast fan-out, and a bounded-lookahead drain the source
// does not have.
package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"uaip-hub/internal/envelope"
	"uaip-hub/internal/heartbeat"
	"uaip-hub/internal/metrics"
	"uaip-hub/internal/qos"
	"uaip-hub/internal/queue"
	"uaip-hub/internal/route"
	"uaip-hub/internal/transport"
)

// dedupWindow is how long a (recipient, message_id) pair is remembered to
// suppress an exact duplicate broadcast redelivery. Grounded on the
// teacher's pkg/websocket/hub.go seenNonces/cleanupNonces: a flaky
// transport can replay a fan-out send, and unlike point-to-point QoS 1/2
// delivery there is no tracked record to make that replay idempotent.
const dedupWindow = 10 * time.Minute

// defaultLookahead bounds how many undeliverable messages in a row (the head
// included) a Drain call holds aside before giving up, avoiding the
// pathological re-enqueue churn the source's stop-at-first-miss drain was
// built to prevent, while not starving a head-of-line-blocked queue.
const defaultLookahead = 8

type stats struct {
	messagesRouted    uint64
	messagesQueued    uint64
	messagesFailed    uint64
	messagesDelivered uint64
	messagesExpired   uint64
	messagesBroadcast uint64
}

// Stats is a point-in-time snapshot of router counters.
type Stats struct {
	MessagesRouted    uint64
	MessagesQueued    uint64
	MessagesFailed    uint64
	MessagesDelivered uint64
	MessagesExpired   uint64
	MessagesBroadcast uint64
}

// Router ties the priority queue, QoS engine, and route table together.
type Router struct {
	queue     *queue.Queue
	qos       *qos.Engine
	routes    *route.Table
	lookahead int
	now       func() time.Time
	metrics   *metrics.Registry

	stats stats

	dedupMu    sync.Mutex
	seenFanout map[string]time.Time
}

// New constructs a Router. lookahead <= 0 uses defaultLookahead. reg may be
// nil, in which case routing proceeds without publishing Prometheus metrics
// (used by tests that only care about the plain-counter Stats snapshot).
func New(q *queue.Queue, qosEngine *qos.Engine, routes *route.Table, lookahead int, reg *metrics.Registry) *Router {
	if lookahead <= 0 {
		lookahead = defaultLookahead
	}
	return &Router{
		queue:      q,
		qos:        qosEngine,
		routes:     routes,
		lookahead:  lookahead,
		now:        time.Now,
		metrics:    reg,
		seenFanout: make(map[string]time.Time),
	}
}

// SetClock overrides the time source, for deterministic TTL tests.
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// RegisterRoute records a live transport for a recipient and immediately
// attempts to drain anything queued for it.
func (r *Router) RegisterRoute(ctx context.Context, entityType envelope.EntityType, entityID string, t transport.Transport) {
	r.routes.Register(entityType, entityID, t)
	r.Drain(ctx)
}

// UnregisterRoute removes a recipient's route.
func (r *Router) UnregisterRoute(entityType envelope.EntityType, entityID string) {
	r.routes.Unregister(entityType, entityID)
}

// HasRoute reports whether a recipient currently has any registered route.
func (r *Router) HasRoute(entityType envelope.EntityType, entityID string) bool {
	return r.routes.HasRoute(entityType, entityID)
}

// HeartbeatBridge wires a heartbeat tracker's online/offline transitions to
// this router's route table and triggers a drain on every device that comes
// back online, so reconnecting devices immediately receive anything queued
// for them.
func (r *Router) HeartbeatBridge(ctx context.Context, entityType envelope.EntityType) func(heartbeat.Event) {
	return func(ev heartbeat.Event) {
		r.routes.SetOnline(entityType, ev.DeviceID, ev.Status == heartbeat.Online)
		if ev.Status == heartbeat.Online {
			r.Drain(ctx)
		}
	}
}

// Submit validates, hop-checks, and routes a single envelope: live
// recipients are handed to the QoS engine, everyone else is queued.
func (r *Router) Submit(ctx context.Context, env envelope.Envelope) error {
	if err := envelope.Validate(&env); err != nil {
		return err
	}
	if env.Header.Routing != nil {
		incremented, err := envelope.IncrementHop(env)
		if err != nil {
			return err
		}
		env = incremented
	}
	atomic.AddUint64(&r.stats.messagesRouted, 1)
	if r.metrics != nil {
		r.metrics.MessagesRouted.Inc()
	}

	if env.Header.Recipient.Type == envelope.EntityBroadcast {
		r.fanOut(ctx, env)
		return nil
	}

	if entry, ok := r.routes.Lookup(env.Header.Recipient.Type, env.Header.Recipient.ID); ok && entry.Online {
		if err := r.dispatch(ctx, env, entry.Transport); err == nil {
			atomic.AddUint64(&r.stats.messagesDelivered, 1)
			if r.metrics != nil {
				r.metrics.MessagesDelivered.Inc()
			}
			return nil
		}
		atomic.AddUint64(&r.stats.messagesFailed, 1)
		if r.metrics != nil {
			r.metrics.MessagesFailed.Inc()
		}
	}

	if err := r.queue.Enqueue(env); err != nil {
		if r.metrics != nil {
			r.metrics.QueueRejected.Inc()
		}
		return err
	}
	atomic.AddUint64(&r.stats.messagesQueued, 1)
	if r.metrics != nil {
		r.metrics.MessagesQueued.Inc()
	}
	return nil
}

func (r *Router) dispatch(ctx context.Context, env envelope.Envelope, t transport.Transport) error {
	switch env.Metadata.QoS {
	case envelope.AtLeastOnce:
		return r.qos.HandleQoS1(ctx, env, t)
	case envelope.ExactlyOnce:
		return r.qos.HandleQoS2(ctx, env, t)
	default:
		return r.qos.HandleQoS0(ctx, env, t)
	}
}

// fanOut delivers to every online member of the recipient's broadcast
// group. Each member send is an independent, unacknowledged QoS 0 dispatch.
func (r *Router) fanOut(ctx context.Context, env envelope.Envelope) {
	for _, member := range r.routes.GroupMembers(env.Header.Recipient.ID) {
		entry, ok := r.routes.Lookup(member.Type, member.ID)
		if !ok || !entry.Online {
			continue
		}
		if r.isDuplicateFanout(member.ID, env.Header.MessageID) {
			continue
		}
		memberEnv := env
		memberEnv.Header.Recipient = envelope.Entity{ID: member.ID, Type: member.Type}
		if err := r.qos.HandleQoS0(ctx, memberEnv, entry.Transport); err == nil {
			atomic.AddUint64(&r.stats.messagesBroadcast, 1)
			if r.metrics != nil {
				r.metrics.MessagesBroadcast.Inc()
			}
		}
	}
}

// isDuplicateFanout reports whether (recipientID, messageID) was already
// fanned out within dedupWindow, recording it if not.
func (r *Router) isDuplicateFanout(recipientID, messageID string) bool {
	key := recipientID + "|" + messageID
	now := r.now()

	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	if seenAt, ok := r.seenFanout[key]; ok && now.Sub(seenAt) < dedupWindow {
		return true
	}
	r.seenFanout[key] = now
	return false
}

// PruneFanoutDedup removes suppression entries older than dedupWindow.
// Callers run this periodically (e.g. alongside a heartbeat sweep) so the
// map does not grow unbounded across the process lifetime.
func (r *Router) PruneFanoutDedup() int {
	now := r.now()
	removed := 0

	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	for key, seenAt := range r.seenFanout {
		if now.Sub(seenAt) >= dedupWindow {
			delete(r.seenFanout, key)
			removed++
		}
	}
	return removed
}

type held struct {
	env envelope.Envelope
	seq uint64
}

// Drain attempts redelivery of queued messages whose recipients now have
// live routes. It pops in priority order; an undeliverable entry is held
// aside and popping continues until lookahead undeliverable entries have
// been held in a row (the count restarts after each delivery), the queue is
// empty, or a send fails (that message is requeued). Every held entry is
// restored to its original position before returning.
func (r *Router) Drain(ctx context.Context) int {
	start := r.now()
	var delivered int
	var skipped []held
	budget := r.lookahead

	for {
		env, seq, ok := r.queue.Dequeue()
		if !ok {
			break
		}
		now := r.now()
		if env.Expired(now) {
			atomic.AddUint64(&r.stats.messagesExpired, 1)
			if r.metrics != nil {
				r.metrics.MessagesExpired.Inc()
			}
			continue
		}

		entry, found := r.routes.Lookup(env.Header.Recipient.Type, env.Header.Recipient.ID)
		if !found || !entry.Online {
			skipped = append(skipped, held{env: env, seq: seq})
			budget--
			if budget <= 0 {
				break
			}
			continue
		}

		if err := r.dispatch(ctx, env, entry.Transport); err != nil {
			atomic.AddUint64(&r.stats.messagesFailed, 1)
			if r.metrics != nil {
				r.metrics.MessagesFailed.Inc()
			}
			if rqErr := r.queue.Requeue(env, seq); rqErr != nil {
				atomic.AddUint64(&r.stats.messagesExpired, 1)
				if r.metrics != nil {
					r.metrics.MessagesExpired.Inc()
				}
			}
			break
		}

		delivered++
		atomic.AddUint64(&r.stats.messagesDelivered, 1)
		if r.metrics != nil {
			r.metrics.MessagesDelivered.Inc()
		}
		budget = r.lookahead
	}

	for _, h := range skipped {
		_ = r.queue.Requeue(h.env, h.seq)
	}
	if r.metrics != nil {
		r.metrics.DrainDuration.Observe(r.now().Sub(start).Seconds())
	}
	return delivered
}

// AcknowledgeQoS1 forwards a QoS 1 ack to the QoS engine.
func (r *Router) AcknowledgeQoS1(messageID string) qos.AckResult {
	return r.qos.AcknowledgeQoS1(messageID)
}

// AcknowledgeQoS2PubRec forwards a QoS 2 PUBREC ack to the QoS engine.
func (r *Router) AcknowledgeQoS2PubRec(messageID string) qos.AckResult {
	return r.qos.AcknowledgeQoS2PubRec(messageID)
}

// AcknowledgeQoS2PubComp forwards a QoS 2 PUBCOMP ack to the QoS engine.
func (r *Router) AcknowledgeQoS2PubComp(messageID string) qos.AckResult {
	return r.qos.AcknowledgeQoS2PubComp(messageID)
}

// QueueSize returns the number of messages currently queued.
func (r *Router) QueueSize() int {
	return r.queue.Len()
}

// RouteCount returns the number of registered routes.
func (r *Router) RouteCount() int {
	return r.routes.Count()
}

// ClearQueue drops every queued message.
func (r *Router) ClearQueue() {
	r.queue.Clear()
}

// RefreshGauges publishes the current queue depth and active route count to
// the metrics registry. Intended to run alongside a periodic sweep, since
// both figures only make sense as point-in-time snapshots.
func (r *Router) RefreshGauges() {
	if r.metrics == nil {
		return
	}
	r.metrics.QueueDepth.Set(float64(r.queue.Len()))
	r.metrics.RoutesActive.Set(float64(r.routes.Count()))
}

// Stats returns a snapshot of router counters.
func (r *Router) Stats() Stats {
	return Stats{
		MessagesRouted:    atomic.LoadUint64(&r.stats.messagesRouted),
		MessagesQueued:    atomic.LoadUint64(&r.stats.messagesQueued),
		MessagesFailed:    atomic.LoadUint64(&r.stats.messagesFailed),
		MessagesDelivered: atomic.LoadUint64(&r.stats.messagesDelivered),
		MessagesExpired:   atomic.LoadUint64(&r.stats.messagesExpired),
		MessagesBroadcast: atomic.LoadUint64(&r.stats.messagesBroadcast),
	}
}
