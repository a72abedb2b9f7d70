package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/ChinmayGopal931/Motivate-app/pkg/auth"
)

// IPRateLimiter manages per-IP token buckets.
type IPRateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	rps       rate.Limit
	burst     int
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter allows rps requests per second per IP with the given burst.
func NewIPRateLimiter(rps float64, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		visitors:  make(map[string]*visitor),
		rps:       rate.Limit(rps),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

func (rl *IPRateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	// Drop idle visitors at most once a minute.
	if now.Sub(rl.lastSweep) > time.Minute {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, k)
			}
		}
		rl.lastSweep = now
	}

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// Middleware rejects requests over the per-IP limit.
func (rl *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.getVisitor(clientIP(r)).Allow() {
			WriteTooManyRequests(w, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CallerLimiter limits authenticated callers.
type CallerLimiter interface {
	Allow(ctx context.Context, caller string) (bool, error)
}

// LocalCallerLimiter keeps per-caller buckets in process.
type LocalCallerLimiter struct {
	ips *IPRateLimiter
}

// NewLocalCallerLimiter allows rpm requests per minute per caller.
func NewLocalCallerLimiter(rpm, burst int) *LocalCallerLimiter {
	return &LocalCallerLimiter{ips: NewIPRateLimiter(float64(rpm)/60.0, burst)}
}

func (l *LocalCallerLimiter) Allow(_ context.Context, caller string) (bool, error) {
	return l.ips.getVisitor(caller).Allow(), nil
}

// redisTokenBucketScript handles the token bucket algorithm atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsecond precision)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisCallerLimiter shares per-caller buckets across replicas.
type RedisCallerLimiter struct {
	client redis.Scripter
	rpm    int
	burst  int
	clock  func() time.Time
}

// NewRedisCallerLimiter creates a limiter allowing rpm requests per minute.
func NewRedisCallerLimiter(client redis.Scripter, rpm, burst int) *RedisCallerLimiter {
	return &RedisCallerLimiter{client: client, rpm: rpm, burst: burst, clock: time.Now}
}

// Allow runs the token bucket script for caller.
func (s *RedisCallerLimiter) Allow(ctx context.Context, caller string) (bool, error) {
	key := fmt.Sprintf("motivate:limiter:%s", caller)

	perSecond := float64(s.rpm) / 60.0
	if perSecond <= 0 {
		perSecond = 1.0
	}
	now := float64(s.clock().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{key}, perSecond, s.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// CallerRateLimit enforces limiter per authenticated caller. Limiter errors
// let the request through.
func CallerRateLimit(limiter CallerLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := auth.GetPrincipal(r.Context())
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			ok, err := limiter.Allow(r.Context(), string(p.Address))
			if err != nil {
				logger.WarnContext(r.Context(), "caller rate limiter unavailable", "error", err)
			} else if !ok {
				WriteTooManyRequests(w, 1)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
