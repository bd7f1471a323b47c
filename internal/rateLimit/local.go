package rateLimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxLocalKeys = 10000

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter is a token bucket per key held in process memory, used when
// no Redis is configured. limit requests per period refill evenly with a
// burst of limit.
type LocalLimiter struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	now     func() time.Time
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{entries: map[string]*localEntry{}, now: time.Now}
}

func (l *LocalLimiter) Allow(_ context.Context, key string, limit int, period time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		if len(l.entries) >= maxLocalKeys {
			l.evict(now.Add(-time.Hour))
		}
		e = &localEntry{limiter: rate.NewLimiter(rate.Every(period/time.Duration(limit)), limit)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *LocalLimiter) evict(before time.Time) {
	for k, e := range l.entries {
		if e.lastSeen.Before(before) {
			delete(l.entries, k)
		}
	}
}
