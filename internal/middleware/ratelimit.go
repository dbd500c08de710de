package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/trellisflow/trellis/internal/logging"
)

// LimitConfig defines the rate limiting thresholds.
type LimitConfig struct {
	MaxPerMinute int // steady-state requests per key per minute
	Burst        int // hard cap above the steady limit
}

// Limiter enforces per-client, per-route request limits. With a Redis
// client it counts in a shared sliding window so every replica sees the
// same budget; without one it falls back to in-process windows. A Redis
// outage also falls back rather than rejecting traffic.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	cfg     LimitConfig
	rdb     *redis.Client
	log     zerolog.Logger
}

type window struct {
	count int
	start time.Time
}

// NewLimiter creates a limiter. rdb may be nil.
func NewLimiter(cfg LimitConfig, rdb *redis.Client) *Limiter {
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = 120
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.MaxPerMinute * 2
	}
	l := &Limiter{
		windows: make(map[string]*window),
		cfg:     cfg,
		rdb:     rdb,
		log:     logging.WithComponent("ratelimit"),
	}
	go l.cleanup()
	return l
}

// Allow reports whether a request under the key fits the budget.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if l.rdb != nil {
		if ok, err := l.allowRedis(ctx, key); err == nil {
			return ok
		} else {
			l.log.Warn().Err(err).Msg("redis window unavailable, using local window")
		}
	}
	return l.allowLocal(key)
}

// allowRedis counts request timestamps in a sorted set trimmed to the last
// minute, so the window slides instead of resetting on minute boundaries.
func (l *Limiter) allowRedis(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixNano()
	cutoff := now - int64(time.Minute)

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, "ratelimit:"+key, "0", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, "ratelimit:"+key, redis.Z{Score: float64(now), Member: now})
	card := pipe.ZCard(ctx, "ratelimit:"+key)
	pipe.Expire(ctx, "ratelimit:"+key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return card.Val() <= int64(l.cfg.Burst), nil
}

func (l *Limiter) allowLocal(key string) bool {
	now := time.Now()

	l.mu.RLock()
	w, exists := l.windows[key]
	if exists && now.Sub(w.start) <= time.Minute {
		w.count++
		count := w.count
		l.mu.RUnlock()
		return count <= l.cfg.Burst
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	w, exists = l.windows[key]
	if exists && now.Sub(w.start) <= time.Minute {
		w.count++
		return w.count <= l.cfg.Burst
	}
	l.windows[key] = &window{count: 1, start: now}
	return true
}

// Middleware rejects over-budget requests with 429. Keys are client address
// plus the webhook slug when the route has one, otherwise the path.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientAddr(r) + ":" + routeKey(r)
		if !l.Allow(r.Context(), key) {
			l.log.Warn().Str("key", key).Msg("rate limit exceeded")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retryAfterSeconds":60}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stats reports limiter internals for the health payload.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return map[string]interface{}{
		"activeWindows": len(l.windows),
		"maxPerMinute":  l.cfg.MaxPerMinute,
		"burst":         l.cfg.Burst,
		"redis":         l.rdb != nil,
	}
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		l.mu.Lock()
		for key, w := range l.windows {
			if now.Sub(w.start) > 2*time.Minute {
				delete(l.windows, key)
			}
		}
		l.mu.Unlock()
	}
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func routeKey(r *http.Request) string {
	if slug, ok := mux.Vars(r)["slug"]; ok && slug != "" {
		return slug
	}
	return r.URL.Path
}
