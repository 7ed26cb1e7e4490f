package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig bounds how fast one peer may hit the introspection
// api.
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// RateLimit enforces a token bucket per peer address. The daemon binds
// loopback by default, so the bucket table stays small; buckets live
// for the life of the process.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	var (
		mu      sync.Mutex
		buckets = make(map[string]*rate.Limiter)
	)

	return func(c *gin.Context) {
		addr := c.ClientIP()

		mu.Lock()
		lim, ok := buckets[addr]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
			buckets[addr] = lim
		}
		mu.Unlock()

		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
