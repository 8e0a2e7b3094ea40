package ratecontrol

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter throttles trigger ingestion per conversation. Each conversation
// gets its own token bucket so one chatty visitor cannot starve the rest.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rps      rate.Limit
	burst    int
	maxIdle  time.Duration
	lastSwep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a per-conversation limiter allowing rps sustained
// requests with the given burst. Buckets idle longer than 10 minutes are
// dropped on the next sweep.
func NewLimiter(rps float64, burst int) *Limiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets:  make(map[string]*bucket),
		rps:      rate.Limit(rps),
		burst:    burst,
		maxIdle:  10 * time.Minute,
		lastSwep: time.Now(),
	}
}

// Allow reports whether a trigger for the conversation may proceed now.
func (l *Limiter) Allow(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[conversationID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[conversationID] = b
	}
	b.lastSeen = now

	if now.Sub(l.lastSwep) > l.maxIdle {
		l.sweepLocked(now)
	}

	return b.limiter.Allow()
}

// Size returns the number of tracked conversations.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) sweepLocked(now time.Time) {
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.maxIdle {
			delete(l.buckets, id)
		}
	}
	l.lastSwep = now
}
