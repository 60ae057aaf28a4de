package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterTable tracks one token bucket per client IP. Buckets idle for more
// than staleAfter are dropped by a background sweep.
type limiterTable struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     rate.Limit
	burst   int
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const (
	sweepEvery = 5 * time.Minute
	staleAfter = 10 * time.Minute
)

func (t *limiterTable) allow(ip string) bool {
	t.mu.Lock()
	b, ok := t.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(t.rps, t.burst)}
		t.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	t.mu.Unlock()
	return b.lim.Allow()
}

func (t *limiterTable) sweep() {
	for range time.Tick(sweepEvery) {
		t.mu.Lock()
		for ip, b := range t.buckets {
			if time.Since(b.lastSeen) > staleAfter {
				delete(t.buckets, ip)
			}
		}
		t.mu.Unlock()
	}
}

// RateLimiter enforces per-IP token-bucket rate limiting. rps is the
// steady-state requests per second; burst is the maximum burst size.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	t := &limiterTable{
		buckets: make(map[string]*bucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go t.sweep()

	return func(c *gin.Context) {
		if !t.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
