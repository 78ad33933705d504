package httpmiddleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/jellydator/ttlcache/v3"

	"bleattend/internal/auth"
)

// TokenBucket is an in-memory per-client rate limiter. Idle buckets expire
// after a few refill periods.
type TokenBucket struct {
	capacity float64
	perSec   float64
	clock    quartz.Clock

	mu      sync.Mutex
	buckets *ttlcache.Cache[string, *bucket]
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewTokenBucket allows bursts of capacity and refills perMinute tokens a
// minute.
func NewTokenBucket(capacity, perMinute int, clock quartz.Clock) *TokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &TokenBucket{
		capacity: float64(capacity),
		perSec:   float64(perMinute) / 60,
		clock:    clock,
		buckets: ttlcache.New[string, *bucket](
			ttlcache.WithTTL[string, *bucket](10 * time.Minute),
		),
	}
}

// GinMiddleware limits by token subject when authenticated, else by client IP.
func (l *TokenBucket) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if claims, ok := auth.FromContext(c); ok {
			key = "sub:" + claims.Subject
		}
		ok, retry := l.Allow(key)
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(retry.Round(time.Second)/time.Second)+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

// Allow takes a token for key. When none is left it returns how long until
// the next one.
func (l *TokenBucket) Allow(key string) (bool, time.Duration) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	var b *bucket
	if item := l.buckets.Get(key); item != nil {
		b = item.Value()
	} else {
		b = &bucket{tokens: l.capacity, last: now}
		l.buckets.Set(key, b, ttlcache.DefaultTTL)
	}
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = min(l.capacity, b.tokens+elapsed*l.perSec)
		b.last = now
	}
	if b.tokens < 1 {
		if l.perSec <= 0 {
			return false, time.Minute
		}
		return false, time.Duration((1 - b.tokens) / l.perSec * float64(time.Second))
	}
	b.tokens--
	return true, 0
}
