// internal/api/http/ratelimit.go
package http

import (
	"net/http"
	"time"

	"inference-horde/internal/config"
	"inference-horde/internal/domain"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client IP and one per API key.
// Buckets idle for longer than the configured TTL are dropped.
type RateLimiter struct {
	cfg     config.RateLimitConfig
	buckets *ttlcache.Cache[string, *rate.Limiter]
}

func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RateLimiter{
		cfg:     cfg,
		buckets: ttlcache.New(
			ttlcache.WithTTL[string, *rate.Limiter](ttl),
			ttlcache.WithCapacity[string, *rate.Limiter](100_000),
		),
	}
}

func (l *RateLimiter) allow(key string, limit float64, burst int) bool {
	if limit <= 0 {
		return true
	}
	item, _ := l.buckets.GetOrSet(key, rate.NewLimiter(rate.Limit(limit), max(burst, 1)))
	return item.Value().Allow()
}

// Allow reports whether a request from ip, optionally carrying apiKey, may proceed.
func (l *RateLimiter) Allow(ip, apiKey string) bool {
	if !l.allow("ip:"+ip, l.cfg.PerIPRate, l.cfg.PerIPBurst) {
		return false
	}
	if apiKey == "" || apiKey == domain.AnonAPIKey {
		return true
	}
	return l.allow("key:"+domain.HashAPIKey(apiKey), l.cfg.PerKeyRate, l.cfg.PerKeyBurst)
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" || l.Allow(clientIP(r), apiKey(r)) {
			next.ServeHTTP(w, r)
			return
		}
		apiErr := domain.ErrTooManyRequests()
		writeJSON(w, apiErr.Status, errorBody{Message: apiErr.Message, RC: apiErr.RC})
	})
}
