package web

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// SignInLimiter throttles credential attempts per remote address.
type SignInLimiter struct {
	mutex    sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSignInLimiter allows perMinute attempts per address with the given burst.
func NewSignInLimiter(perMinute float64, burst int) *SignInLimiter {
	if burst < 1 {
		burst = 1
	}
	return &SignInLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

// Allow reports whether key may attempt now and, if not, how long to wait.
func (limiter *SignInLimiter) Allow(key string) (bool, time.Duration) {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()

	now := limiter.now()
	for visitorKey, entry := range limiter.visitors {
		if now.Sub(entry.lastSeen) > limiter.idleTTL {
			delete(limiter.visitors, visitorKey)
		}
	}
	entry, exists := limiter.visitors[key]
	if !exists {
		entry = &visitor{limiter: rate.NewLimiter(limiter.limit, limiter.burst)}
		limiter.visitors[key] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Minute
	}
	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	reservation.CancelAt(now)
	return false, delay
}

// Middleware rejects throttled requests with 429 and a Retry-After header.
// Attempts are keyed by client address, not by the client cookie.
func (limiter *SignInLimiter) Middleware(metrics MetricsRecorder) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		allowed, wait := limiter.Allow(contextGin.ClientIP())
		if allowed {
			contextGin.Next()
			return
		}
		metrics.Increment(metricSignInThrottled)
		contextGin.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too_many_attempts"})
	}
}
