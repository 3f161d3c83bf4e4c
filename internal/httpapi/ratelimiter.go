package httpapi

import (
	"sync"
	"time"
)

// KeyedLimiter allows up to limit events per window for each key.
type KeyedLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events map[string][]time.Time
}

// NewKeyedLimiter constructs a limiter. A non-positive window or limit disables it.
func NewKeyedLimiter(window time.Duration, limit int, timeSource func() time.Time) *KeyedLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &KeyedLimiter{
		window: window,
		limit:  limit,
		now:    timeSource,
		events: make(map[string][]time.Time),
	}
}

// Allow reports whether key may proceed and records the attempt when it may.
func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	//1.- Drop stamps that fell out of the window.
	kept := l.events[key][:0]
	for _, ts := range l.events[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.limit {
		l.events[key] = kept
		return false
	}
	l.events[key] = append(kept, now)
	return true
}

// Prune removes keys without events inside the window.
func (l *KeyedLimiter) Prune() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	for key, stamps := range l.events {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.events, key)
		}
	}
}

func (l *KeyedLimiter) keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
