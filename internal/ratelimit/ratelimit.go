// Package ratelimit shields the device-facing endpoints from
// misbehaving pollers with a redis-backed token bucket.
package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type LimiterConfig struct {
	RPS   int
	Burst int
}

type RateLimiter struct {
	Redis  *redis.Client
	Prefix string
	Config LimiterConfig
}

func New(rdb *redis.Client, prefix string, cfg LimiterConfig) *RateLimiter {
	return &RateLimiter{Redis: rdb, Prefix: prefix, Config: cfg}
}

// Middleware applies the bucket keyed by keyFunc. A nil limiter (redis
// not configured) passes everything through.
func (rl *RateLimiter) Middleware(keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil || rl.Redis == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rl.Prefix + ":" + keyFunc(r)
			allowed, err := rl.allow(r.Context(), key)
			if err != nil {
				// Fail open: a limiter outage must not take polling
				// devices offline.
				slog.Warn("rate limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `","code":` + strconv.Itoa(status) + `}`))
}

func (rl *RateLimiter) allow(ctx context.Context, key string) (bool, error) {
	// Token bucket in a Lua script so refill and take are atomic.
	// KEYS[1] = key, ARGV = max_tokens, refill_rate (per second), now (ms).
	lua := `
local tokens_key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local bucket = redis.call('HMGET', tokens_key, 'tokens', 'last')
local tokens = tonumber(bucket[1]) or max_tokens
local last = tonumber(bucket[2]) or now
local delta = math.max(0, now - last) / 1000
local refill = math.floor(delta * refill_rate)
tokens = math.min(max_tokens, tokens + refill)
if tokens > 0 then
  tokens = tokens - 1
  redis.call('HMSET', tokens_key, 'tokens', tokens, 'last', now)
  redis.call('EXPIRE', tokens_key, 2)
  return 1
else
  redis.call('HMSET', tokens_key, 'tokens', tokens, 'last', now)
  redis.call('EXPIRE', tokens_key, 2)
  return 0
end
`
	now := time.Now().UnixNano() / int64(time.Millisecond)
	res, err := rl.Redis.Eval(ctx, lua, []string{key}, rl.Config.Burst, rl.Config.RPS, now).Result()
	if err != nil {
		return false, err
	}
	var allowed int64
	switch v := res.(type) {
	case int64:
		allowed = v
	case string:
		allowed, _ = strconv.ParseInt(v, 10, 64)
	}
	return allowed == 1, nil
}

// KeyByIP buckets by the caller's address. Device codes only appear in
// request bodies, so the address is the cheapest stable key.
func KeyByIP(r *http.Request) string {
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	return ip
}
