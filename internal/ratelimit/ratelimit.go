// Package ratelimit protects Router.Submit with per-sender and global token
// buckets, grounded on the teacher's
// ws/internal/shared/limits/connection_rate_limiter.go: same two-level
// token-bucket design (golang.org/x/time/rate), with the per-IP connection
// keying replaced by per-sender-identity submission keying, since the hub
// rate-limits message ingress rather than connection attempts.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config holds per-sender and global limits.
type Config struct {
	PerSenderRate  float64       // sustained submissions/sec per sender
	PerSenderBurst int           // max burst submissions per sender
	SenderTTL      time.Duration // cleanup inactive senders after this long
	GlobalRate     float64       // sustained submissions/sec system-wide
	GlobalBurst    int           // max burst submissions system-wide
	Logger         zerolog.Logger
}

type senderEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter enforces Config's limits. Create one per Router.
type Limiter struct {
	cfg Config

	mu      sync.RWMutex
	senders map[string]*senderEntry

	global *rate.Limiter

	stopCleanup chan struct{}
}

// New constructs a Limiter and starts its background cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.SenderTTL == 0 {
		cfg.SenderTTL = 5 * time.Minute
	}
	l := &Limiter{
		cfg:         cfg,
		senders:     make(map[string]*senderEntry),
		global:      rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		stopCleanup: make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a submission from senderID may proceed, checking
// the global bucket first (cheap, no map lookup) and the per-sender bucket
// second.
func (l *Limiter) Allow(senderID string) bool {
	if !l.global.Allow() {
		l.cfg.Logger.Debug().Str("sender_id", senderID).Msg("submission rejected: global rate limit exceeded")
		return false
	}
	if !l.senderLimiter(senderID).Allow() {
		l.cfg.Logger.Debug().Str("sender_id", senderID).Msg("submission rejected: per-sender rate limit exceeded")
		return false
	}
	return true
}

func (l *Limiter) senderLimiter(senderID string) *rate.Limiter {
	l.mu.RLock()
	entry, ok := l.senders[senderID]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		entry.lastAccess = time.Now()
		l.mu.Unlock()
		return entry.limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok = l.senders[senderID]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	entry = &senderEntry{
		limiter:    rate.NewLimiter(rate.Limit(l.cfg.PerSenderRate), l.cfg.PerSenderBurst),
		lastAccess: time.Now(),
	}
	l.senders[senderID] = entry
	return entry.limiter
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	cutoff := time.Now().Add(-l.cfg.SenderTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, entry := range l.senders {
		if entry.lastAccess.Before(cutoff) {
			delete(l.senders, id)
		}
	}
}

// TrackedSenders returns the number of senders with an active bucket.
func (l *Limiter) TrackedSenders() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.senders)
}

// Stop terminates the background cleanup loop.
func (l *Limiter) Stop() {
	close(l.stopCleanup)
}
