package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// rateCounter tracks requests from one client within a fixed window.
type rateCounter struct {
	count     int
	windowEnd time.Time
}

// RateLimiter limits requests per (client, path) within a fixed window. It is
// process-local, which is enough for a single-instance consent service; the
// registration and redemption endpoints are its intended targets.
type RateLimiter struct {
	mu    sync.Mutex
	data  map[string]*rateCounter
	max   int
	win   time.Duration
	clock func() time.Time
}

// NewRateLimiter builds a limiter allowing maxRequests per window.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		data:  make(map[string]*rateCounter),
		max:   maxRequests,
		win:   window,
		clock: time.Now,
	}
}

// Handler returns the gin middleware enforcing the limit.
func (l *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.max <= 0 {
			c.Next()
			return
		}

		key := ResolvedClientIP(c) + "|" + c.FullPath()
		count, resetIn := l.increment(key)

		remaining := l.max - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(l.max))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.Itoa(int(resetIn.Seconds())))

		if count > l.max {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}

		c.Next()
	}
}

func (l *RateLimiter) increment(key string) (int, time.Duration) {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	ct, ok := l.data[key]
	if !ok || now.After(ct.windowEnd) {
		// Lazily drop any other expired counters so the map stays bounded
		// without a background goroutine.
		for k, v := range l.data {
			if now.After(v.windowEnd) {
				delete(l.data, k)
			}
		}
		ct = &rateCounter{windowEnd: now.Add(l.win)}
		l.data[key] = ct
	}
	ct.count++

	return ct.count, ct.windowEnd.Sub(now)
}
