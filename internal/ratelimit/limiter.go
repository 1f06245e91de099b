// Package ratelimit implements the per-(session, tool) token bucket,
// backed by golang.org/x/time/rate.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config is a bucket's refill rate and burst size.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
}

func (c Config) perSecond() rate.Limit {
	return rate.Limit(float64(c.RequestsPerMinute) / 60.0)
}

// Clock returns the current time; injectable so tests can control refill
// deterministically.
type Clock func() time.Time

type bucketKey struct {
	sessionID string
	tool      string
}

// Limiter holds one rate.Limiter per (sessionId, toolName), lazily
// instantiated, swept on session destruction.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	clock   Clock
	buckets map[bucketKey]*rate.Limiter
}

// New creates a Limiter with the given default config. A nil clock defaults
// to time.Now.
func New(cfg Config, clock Clock) *Limiter {
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		cfg:     cfg,
		clock:   clock,
		buckets: make(map[bucketKey]*rate.Limiter),
	}
}

// Result is what TryAcquire returns: either a granted token, or a
// RetryAfter hint in seconds (ceil of time until the next token).
type Result struct {
	Allowed    bool
	RetryAfter int
}

// TryAcquire attempts to take one token from the (sessionID, tool) bucket,
// creating it on first use.
func (l *Limiter) TryAcquire(sessionID, tool string) Result {
	l.mu.Lock()
	key := bucketKey{sessionID: sessionID, tool: tool}
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.cfg.perSecond(), l.cfg.BurstSize)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	now := l.clock()
	res := b.ReserveN(now, 1)
	if !res.OK() {
		return Result{Allowed: false, RetryAfter: math.MaxInt32}
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return Result{Allowed: true}
	}
	res.CancelAt(now)
	return Result{Allowed: false, RetryAfter: int(math.Ceil(delay.Seconds()))}
}

// DropSession removes every bucket belonging to sessionID; limiter state
// is held per session and dropped when the session is destroyed.
func (l *Limiter) DropSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.buckets {
		if k.sessionID == sessionID {
			delete(l.buckets, k)
		}
	}
}

// String renders a bucket key for logging/debugging.
func (k bucketKey) String() string {
	return fmt.Sprintf("%s/%s", k.sessionID, k.tool)
}
