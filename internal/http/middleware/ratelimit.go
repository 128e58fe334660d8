package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/geodispatch/internal/auth"
)

const defaultRatePrefix = "dispatch:rl"

var rateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_rate_limit_decisions_total",
	Help: "Rate limiter decisions by scope and result.",
}, []string{"scope", "result"})

var errBadReply = errors.New("invalid redis response")

// RateConfig is a token bucket: Rate tokens per second up to Burst.
type RateConfig struct {
	Rate  float64
	Burst float64
}

func (c RateConfig) enabled() bool { return c.Rate > 0 && c.Burst > 0 }

// RateLimiter keeps one bucket per caller and scope in Redis so every gateway
// replica shares the same budget.
type RateLimiter struct {
	client redis.Cmdable
	prefix string
	read   RateConfig
	write  RateConfig
	secret string
	now    func() time.Time
	logger *zap.Logger
}

// NewRateLimiter returns nil when client is nil; a nil limiter passes every
// request through. With a non-empty secret, callers presenting a valid token
// are limited by subject instead of address.
func NewRateLimiter(client redis.Cmdable, secret string, read, write RateConfig, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		client: client,
		prefix: defaultRatePrefix,
		read:   read,
		write:  write,
		secret: secret,
		now:    time.Now,
		logger: logger,
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || (!l.read.enabled() && !l.write.enabled()) {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg, scope := l.write, "write"
		if isReadMethod(r.Method) {
			cfg, scope = l.read, "read"
		}
		if !cfg.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		allowed, retryAfter, err := l.allow(r.Context(), scope, l.callerID(r), cfg)
		if err != nil {
			// Fail open: a Redis outage must not take the API down with it.
			l.logger.Warn("rate limiter unavailable", zap.Error(err))
			rateDecisions.WithLabelValues(scope, "error").Inc()
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			rateDecisions.WithLabelValues(scope, "rejected").Inc()
			w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		rateDecisions.WithLabelValues(scope, "allowed").Inc()
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(ctx context.Context, scope, caller string, cfg RateConfig) (bool, time.Duration, error) {
	key := strings.Join([]string{l.prefix, scope, caller}, ":")
	values, err := tokenBucket.Run(ctx, l.client, []string{key}, l.now().UnixMilli(), cfg.Rate, cfg.Burst, 1).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket: %w", err)
	}
	if len(values) != 2 {
		return false, 0, errBadReply
	}
	granted, ok := values[0].(int64)
	if !ok {
		return false, 0, errBadReply
	}
	if granted == 1 {
		return true, 0, nil
	}
	// Lua numbers come back as integers, so the wait travels as a string.
	raw, _ := values[1].(string)
	wait, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, 0, fmt.Errorf("%w: wait %v", errBadReply, values[1])
	}
	return false, time.Duration(math.Ceil(wait*1000)) * time.Millisecond, nil
}

func isReadMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// callerID prefers the verified token subject, then the peer address.
// Forwarding headers are never read here; a trusted edge rewrites RemoteAddr
// before the limiter runs.
func (l *RateLimiter) callerID(r *http.Request) string {
	if token := bearer(r); token != "" && l.secret != "" {
		if claims, err := auth.Parse(l.secret, token); err == nil {
			return "sub:" + claims.Subject
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "anonymous"
	}
	return "ip:" + host
}

func bearer(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

var tokenBucket = redis.NewScript(`
local now_ms = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now_ms

local delta = math.max(0, now_ms - last)
tokens = math.min(capacity, tokens + delta * rate / 1000)

local granted = 0
local wait = 0
if tokens >= requested then
  tokens = tokens - requested
  granted = 1
else
  wait = (requested - tokens) / rate
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', now_ms)
redis.call('PEXPIRE', KEYS[1], math.ceil(capacity / rate * 1000))
return {granted, tostring(wait)}
`)
