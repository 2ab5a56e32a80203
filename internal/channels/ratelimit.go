package channels

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedRecipients caps the limiter map so rotating recipients cannot
// exhaust memory.
const maxTrackedRecipients = 4096

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RecipientLimiter throttles outbound sends per recipient. WhatsApp penalizes
// numbers that blast a single chat, so every send waits for that recipient's
// token.
type RecipientLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
}

// NewRecipientLimiter allows perMinute messages per recipient with the given
// burst.
func NewRecipientLimiter(perMinute, burst int) *RecipientLimiter {
	return &RecipientLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
	}
}

// Wait blocks until the recipient may be messaged or ctx is done.
func (l *RecipientLimiter) Wait(ctx context.Context, recipient string) error {
	l.mu.Lock()
	e, ok := l.entries[recipient]
	if !ok {
		if len(l.entries) >= maxTrackedRecipients {
			l.evictStaleLocked()
		}
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[recipient] = e
	}
	e.lastSeen = time.Now()
	lim := e.lim
	l.mu.Unlock()

	return lim.Wait(ctx)
}

// evictStaleLocked drops the oldest entries; an evicted recipient simply
// starts with a fresh burst.
func (l *RecipientLimiter) evictStaleLocked() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for k, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, k)
		}
	}
	for len(l.entries) >= maxTrackedRecipients {
		var oldest string
		var oldestAt time.Time
		for k, e := range l.entries {
			if oldest == "" || e.lastSeen.Before(oldestAt) {
				oldest, oldestAt = k, e.lastSeen
			}
		}
		delete(l.entries, oldest)
	}
}
