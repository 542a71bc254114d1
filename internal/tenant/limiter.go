package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Counter is the minimal redis surface the limiter needs.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// redisCounter adapts a go-redis client to Counter.
type redisCounter struct {
	rdb *redis.Client
}

func (c *redisCounter) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, key).Result()
}

func (c *redisCounter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// Limiter enforces a fixed-window per-tenant request cap backed by redis.
// When redis is unreachable the limiter degrades open: requests pass and
// the failure is logged, since availability beats strict limiting here.
type Limiter struct {
	counter Counter
	perMin  int
	now     func() time.Time
}

// NewLimiter creates a Limiter over a redis client. perMin <= 0 disables
// limiting.
func NewLimiter(rdb *redis.Client, perMin int) *Limiter {
	return &Limiter{counter: &redisCounter{rdb: rdb}, perMin: perMin, now: time.Now}
}

// NewLimiterWithCounter is used by tests to substitute the counter.
func NewLimiterWithCounter(c Counter, perMin int) *Limiter {
	return &Limiter{counter: c, perMin: perMin, now: time.Now}
}

// Allow reports whether the tenant may make another request this window.
func (l *Limiter) Allow(ctx context.Context, tenantID string) bool {
	if l == nil || l.perMin <= 0 || l.counter == nil {
		return true
	}

	window := l.now().UTC().Unix() / 60
	key := fmt.Sprintf("ratelimit:%s:%d", tenantID, window)

	n, err := l.counter.Incr(ctx, key)
	if err != nil {
		zap.L().Warn("tenant: rate limiter unavailable, allowing request",
			zap.String("tenant_id", tenantID), zap.Error(err))
		return true
	}
	if n == 1 {
		if err := l.counter.Expire(ctx, key, 2*time.Minute); err != nil {
			zap.L().Warn("tenant: rate limit key expire failed", zap.Error(err))
		}
	}
	return n <= int64(l.perMin)
}

// RateLimit is the HTTP middleware form of Allow. It must run after
// Middleware so the tenant context is present.
func RateLimit(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc, ok := FromContext(r.Context())
			if ok && !l.Allow(r.Context(), tc.TenantID) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
