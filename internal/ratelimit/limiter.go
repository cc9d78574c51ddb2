package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a per-client token bucket rate limiter guarding the operator
// API. Clients are tracked by IP address; stale entries are evicted by a
// background sweep.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	rps     rate.Limit
	burst   int
	done    chan struct{}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter allows rps requests per second per client with the given burst.
// Call Close to stop the eviction goroutine.
func NewLimiter(rps float64, burst int) *Limiter {
	l := &Limiter{
		clients: make(map[string]*client),
		rps:     rate.Limit(rps),
		burst:   burst,
		done:    make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// Allow reports whether a request from the given client should be permitted,
// creating a fresh bucket on first sight.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = time.Now()
	l.mu.Unlock()

	return c.limiter.Allow()
}

// Close stops the background eviction loop.
func (l *Limiter) Close() {
	close(l.done)
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(3 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			for key, c := range l.clients {
				if time.Since(c.lastSeen) >= 5*time.Minute {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
