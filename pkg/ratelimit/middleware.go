// Package ratelimit is the coarse per-IP limiter in front of the HTTP API.
// Per-device quotas are enforced separately by the token-bucket service.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"vitalsync/internal/config"
	"vitalsync/pkg/errors"
	"vitalsync/pkg/metrics"
)

type Config struct {
	RPS             float64
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

func DefaultConfig() Config {
	return Config{
		RPS:             10.0,
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// FromConfig fills unset fields from DefaultConfig. Intervals in the file
// are seconds.
func FromConfig(cfg config.HTTPRateLimitConfig) Config {
	out := DefaultConfig()
	if cfg.RPS > 0 {
		out.RPS = cfg.RPS
	}
	if cfg.Burst > 0 {
		out.Burst = cfg.Burst
	}
	if cfg.CleanupInterval > 0 {
		out.CleanupInterval = time.Duration(cfg.CleanupInterval) * time.Second
	}
	if cfg.MaxAge > 0 {
		out.MaxAge = time.Duration(cfg.MaxAge) * time.Second
	}
	return out
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type IPLimiter struct {
	cfg  Config
	now  func() time.Time
	stop chan struct{}
	once sync.Once

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewIPLimiter starts the idle-entry sweeper; Stop ends it.
func NewIPLimiter(cfg Config) *IPLimiter {
	l := &IPLimiter{
		cfg:      cfg,
		now:      time.Now,
		stop:     make(chan struct{}),
		visitors: make(map[string]*visitor),
	}
	go l.sweep()
	return l
}

func (l *IPLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *IPLimiter) sweep() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *IPLimiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.cfg.MaxAge {
			delete(l.visitors, ip)
		}
	}
}

// allow reports whether ip may proceed and how many requests it has left.
func (l *IPLimiter) allow(ip string) (bool, int) {
	now := l.now()

	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	allowed := v.limiter.AllowN(now, 1)
	remaining := int(v.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining
}

func (l *IPLimiter) Middleware() gin.HandlerFunc {
	limit := strconv.FormatFloat(l.cfg.RPS, 'f', -1, 64)
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if clientIP == "" {
			clientIP = c.RemoteIP()
		}

		allowed, remaining := l.allow(clientIP)
		c.Header("X-RateLimit-Limit", limit)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			metrics.HTTPRateLimitRequestsTotal.WithLabelValues("limited").Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errors.ToErrorResponse(errors.ErrRateLimited))
			return
		}

		metrics.HTTPRateLimitRequestsTotal.WithLabelValues("allowed").Inc()
		c.Next()
	}
}
