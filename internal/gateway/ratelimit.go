package gateway

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimit and DefaultBurst are the Gateway's per-IP token bucket
	// defaults (spec.md §4.4).
	DefaultRateLimit = 60
	DefaultBurst     = 10

	// idleBucketTTL is how long a bucket may sit unused before the sweeper
	// reclaims it.
	idleBucketTTL = 10 * time.Minute
	// sweepSchedule runs the eviction every 5 minutes, per spec.md §4.4.
	sweepSchedule = "@every 5m"
)

// bucket pairs a token-bucket limiter with the last time it was touched, so
// the sweeper can tell idle clients from active ones.
type bucket struct {
	limiter    *rate.Limiter
	lastRefill time.Time
}

// RateLimiter is the Gateway's per-client-IP token bucket limiter. Unlike
// infrastructure/middleware.RateLimiter (size-capped, trimming to an
// arbitrary subset of buckets), it
// tracks each bucket's last-access time and evicts by idle duration on a
// scheduled sweep, matching spec.md §4.4 exactly.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int

	cron *cron.Cron
}

// NewRateLimiter builds a RateLimiter with the given requests-per-minute
// rate and burst, and starts the background sweeper.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultRateLimit
	}
	if burst <= 0 {
		burst = DefaultBurst
	}

	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		cron:    cron.New(),
	}
	_, _ = rl.cron.AddFunc(sweepSchedule, rl.sweep)
	rl.cron.Start()
	return rl
}

// Stop halts the background sweeper. Safe to call once during shutdown.
func (rl *RateLimiter) Stop() {
	ctx := rl.cron.Stop()
	<-ctx.Done()
}

// Allow reports whether ip may proceed now, and if not, the number of
// seconds the caller should wait before retrying (for Retry-After).
func (rl *RateLimiter) Allow(ip string) (allowed bool, retryAfterSeconds int) {
	rl.mu.Lock()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.buckets[ip] = b
	}
	b.lastRefill = time.Now()
	rl.mu.Unlock()

	reservation := b.limiter.Reserve()
	if !reservation.OK() {
		return false, 1
	}
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		seconds := int(delay.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		return false, seconds
	}
	return true, 0
}

// sweep evicts buckets that have been idle longer than idleBucketTTL.
func (rl *RateLimiter) sweep() {
	cutoff := time.Now().Add(-idleBucketTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, b := range rl.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

// BucketCount reports the number of tracked client buckets, used for tests
// and the /info endpoint.
func (rl *RateLimiter) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
