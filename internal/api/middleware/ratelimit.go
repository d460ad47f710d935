package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const maxTrackedClients = 1024

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	every   time.Duration
	burst   int
	mu      sync.Mutex
	clients map[string]*rate.Limiter
}

// NewRateLimiter allows burst requests at once and one more every interval.
func NewRateLimiter(every time.Duration, burst int) *RateLimiter {
	return &RateLimiter{
		every:   every,
		burst:   burst,
		clients: make(map[string]*rate.Limiter),
	}
}

func (r *RateLimiter) limiter(ip string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.clients[ip]
	if !ok {
		if len(r.clients) >= maxTrackedClients {
			r.clients = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(rate.Every(r.every), r.burst)
		r.clients[ip] = l
	}
	return l
}

func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.limiter(c.ClientIP()).Allow() {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			return
		}
		c.Next()
	}
}
