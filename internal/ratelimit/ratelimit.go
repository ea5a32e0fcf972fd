// Package ratelimit limits public payment-page traffic per client IP.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var rejected = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "paylink",
	Name:      "rate_limited_total",
	Help:      "Public requests rejected by the per-IP rate limiter.",
})

func init() {
	prometheus.MustRegister(rejected)
}

type Config struct {
	RequestsPerMinute int           // sustained refill rate
	BurstSize         int           // bucket capacity
	CleanupInterval   time.Duration // how often idle buckets are dropped
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 60, BurstSize: 10, CleanupInterval: time.Minute}
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter keeps one token bucket per key. Buckets start full.
type Limiter struct {
	every rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	now     func() time.Time
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// New starts the limiter's cleanup loop; call Stop to end it.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		every:   rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		burst:   max(cfg.BurstSize, 1),
		idle:    2 * cfg.CleanupInterval,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.sweep(cfg.CleanupInterval)
	return l
}

// WithClock replaces the time source. Tests only.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
	return l
}

func (l *Limiter) sweep(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

// evictIdle forgets keys not seen for two cleanup intervals. Their buckets
// would be full again by then, so forgetting them changes nothing.
func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idle)
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop ends the cleanup loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow takes a token for key if one is available.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.Take(key)
	return ok
}

// Take is Allow that also reports, on refusal, how long until the next
// token for key.
func (l *Limiter) Take(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.buckets[key]
	if b == nil {
		b = &bucket{lim: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	wait := r.DelayFrom(now)
	if wait == 0 {
		return true, 0
	}
	// A refused request must not consume the token it would have waited for.
	r.CancelAt(now)
	return false, wait
}

// Middleware limits by gin's client IP and answers 429 with Retry-After in
// whole seconds.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Take(c.ClientIP())
		if ok {
			c.Next()
			return
		}
		rejected.Inc()
		secs := int(math.Ceil(wait.Seconds()))
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "Too many requests. Please slow down.",
			"retry_after": secs,
		})
	}
}
