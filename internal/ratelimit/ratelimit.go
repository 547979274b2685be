// Package ratelimit enforces request and token rate limits with lazy-refill
// token buckets. Every request passes two scopes, tenant and actor; the
// stricter one wins.
package ratelimit

import (
	"sync"
	"time"
)

// Limits holds effective per-minute limits. 0 means unlimited.
type Limits struct {
	RPM int64
	TPM int64
}

// Decision is the outcome of a gate check. Limit/Remaining/Reset describe
// the bucket closest to exhaustion and feed the X-RateLimit-* headers.
type Decision struct {
	Allowed           bool
	PolicyID          string // e.g. "rpm:actor:user-7", set on denial and on headers
	Limit             int64
	Remaining         int64
	Reset             time.Time // when the governing bucket is full again
	RetryAfterSeconds float64
}

// bucket is a token bucket refilled lazily on access.
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(limit int64) *bucket {
	return &bucket{
		tokens:   float64(limit),
		max:      float64(limit),
		rate:     float64(limit) / 60.0,
		lastFill: time.Now(),
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

func (b *bucket) tryConsume(n float64, now time.Time) bool {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// retryAfter returns seconds until n tokens are available.
func (b *bucket) retryAfter(n float64) float64 {
	if b.tokens >= n {
		return 0
	}
	return (n - b.tokens) / b.rate
}

// resetAt returns when the bucket refills completely.
func (b *bucket) resetAt(now time.Time) time.Time {
	deficit := b.max - b.tokens
	if deficit <= 0 {
		return now
	}
	return now.Add(time.Duration(deficit / b.rate * float64(time.Second)))
}

func (b *bucket) adjust(delta float64) {
	b.tokens = min(b.max, max(0, b.tokens+delta))
}

// limiter holds the dual buckets for one scope key.
type limiter struct {
	mu       sync.Mutex
	rpm      *bucket // nil when unlimited
	tpm      *bucket
	limits   Limits
	lastUsed time.Time
}

func newLimiter(limits Limits) *limiter {
	l := &limiter{limits: limits, lastUsed: time.Now()}
	if limits.RPM > 0 {
		l.rpm = newBucket(limits.RPM)
	}
	if limits.TPM > 0 {
		l.tpm = newBucket(limits.TPM)
	}
	return l
}

// consume takes 1 request token and estTokens TPM tokens atomically.
// On denial nothing is consumed.
func (l *limiter) consume(estTokens int64, now time.Time) (kind string, d Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastUsed = now

	if l.rpm != nil {
		l.rpm.refill(now)
		if l.rpm.tokens < 1 {
			return "rpm", Decision{
				Limit:             l.limits.RPM,
				Reset:             l.rpm.resetAt(now),
				RetryAfterSeconds: l.rpm.retryAfter(1),
			}
		}
	}
	if l.tpm != nil {
		l.tpm.refill(now)
		if l.tpm.tokens < float64(estTokens) {
			return "tpm", Decision{
				Limit:             l.limits.TPM,
				Reset:             l.tpm.resetAt(now),
				RetryAfterSeconds: l.tpm.retryAfter(float64(estTokens)),
			}
		}
	}

	d = Decision{Allowed: true}
	if l.rpm != nil {
		l.rpm.tokens--
		d.Limit = l.limits.RPM
		d.Remaining = int64(l.rpm.tokens)
		d.Reset = l.rpm.resetAt(now)
	}
	if l.tpm != nil {
		l.tpm.tokens -= float64(estTokens)
	}
	return "", d
}

// refund returns request and token credit after a request that never reached
// the upstream, or corrects the token estimate after settlement.
func (l *limiter) refund(requests int64, tokens int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rpm != nil && requests != 0 {
		l.rpm.adjust(float64(requests))
	}
	if l.tpm != nil && tokens != 0 {
		l.tpm.adjust(float64(tokens))
	}
}

// Gate checks tenant and actor scopes for each request.
type Gate struct {
	mu       sync.RWMutex
	limiters map[string]*limiter
}

// NewGate creates an empty rate limit gate.
func NewGate() *Gate {
	return &Gate{limiters: make(map[string]*limiter)}
}

func (g *Gate) limiter(key string, limits Limits) *limiter {
	g.mu.RLock()
	l, ok := g.limiters[key]
	g.mu.RUnlock()
	if ok && l.limits == limits {
		return l
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.limiters[key]; ok && l.limits == limits {
		return l
	}
	l = newLimiter(limits)
	g.limiters[key] = l
	return l
}

// Check consumes one request plus estTokens from both scopes. The tenant
// scope is checked first; when it denies, the actor scope is untouched.
// When the actor scope denies, the tenant consumption is refunded.
func (g *Gate) Check(tenantID string, tenantLimits Limits, actorID string, actorLimits Limits, estTokens int64) Decision {
	now := time.Now()

	tl := g.limiter("tenant:"+tenantID, tenantLimits)
	kind, d := tl.consume(estTokens, now)
	if kind != "" {
		d.PolicyID = kind + ":tenant:" + tenantID
		return d
	}
	tenantDecision := d

	al := g.limiter("actor:"+actorID, actorLimits)
	kind, d = al.consume(estTokens, now)
	if kind != "" {
		tl.refund(1, estTokens)
		d.PolicyID = kind + ":actor:" + actorID
		return d
	}

	// Report the tighter of the two remaining windows in the headers.
	if tenantDecision.Limit > 0 && (d.Limit == 0 || tenantDecision.Remaining < d.Remaining) {
		d = tenantDecision
		d.PolicyID = "rpm:tenant:" + tenantID
	} else if d.Limit > 0 {
		d.PolicyID = "rpm:actor:" + actorID
	}
	d.Allowed = true
	return d
}

// Settle corrects both scopes once actual token usage is known.
// delta = estimated - actual; positive refunds.
func (g *Gate) Settle(tenantID, actorID string, delta int64) {
	if delta == 0 {
		return
	}
	g.mu.RLock()
	tl := g.limiters["tenant:"+tenantID]
	al := g.limiters["actor:"+actorID]
	g.mu.RUnlock()
	if tl != nil {
		tl.refund(0, delta)
	}
	if al != nil {
		al.refund(0, delta)
	}
}

// EvictStale drops limiters idle since before cutoff. Returns the count.
func (g *Gate) EvictStale(cutoff time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	evicted := 0
	for k, l := range g.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(g.limiters, k)
			evicted++
		}
	}
	return evicted
}
