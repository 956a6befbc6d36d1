// Package statestore holds process-scoped request state: per-client rate limiters. The state
// lives in this process only, so limits apply per instance; a multi-instance deployment needs
// a shared store instead.
package statestore

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiters keeps one token bucket per client key and forgets clients idle longer than ttl
type Limiters struct {
	mu      sync.Mutex
	clients map[string]*entry
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

func NewLimiters(rps float64, burst int, ttl time.Duration) *Limiters {
	if burst <= 0 {
		burst = 1
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &Limiters{
		clients: make(map[string]*entry),
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Allow reports whether client may make a request now, consuming a token if so
func (l *Limiters) Allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.clients[client]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = e
	}
	e.lastAccess = now
	return e.limiter.AllowN(now, 1)
}

// Sweep drops clients idle longer than the ttl and returns how many were removed
func (l *Limiters) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.ttl)
	removed := 0
	for k, e := range l.clients {
		if e.lastAccess.Before(cutoff) {
			delete(l.clients, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients
func (l *Limiters) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Run sweeps every interval until stop is closed
func (l *Limiters) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-stop:
			return
		}
	}
}
