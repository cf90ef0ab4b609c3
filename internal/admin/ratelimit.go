package admin

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	idleClientTTL   = 10 * time.Minute
	sweepInterval   = time.Minute
	defaultRouteKey = "default"
)

// routeLimit caps one class of admin calls per client.
type routeLimit struct {
	method string
	prefix string
	key    string
	every  rate.Limit
	burst  int
}

// Mutating operator calls get tighter buckets than reads.
var defaultRouteLimits = []routeLimit{
	{method: http.MethodPost, prefix: "/admin/v1/registry/reload", key: "registry_reload", every: rate.Every(time.Minute), burst: 1},
	{method: http.MethodPost, prefix: "/admin/v1/invoices", key: "invoice_write", every: rate.Every(2 * time.Second), burst: 10},
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies per-client token buckets to the admin API.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
	routes  []routeLimit
	logger  *slog.Logger
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewRateLimiter starts a sweeper that drops idle client buckets. Call Stop
// when the server shuts down.
func NewRateLimiter(logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*clientBucket),
		routes:  defaultRouteLimits,
		logger:  logger.With("component", "admin_ratelimit"),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *RateLimiter) sweep() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > idleClientTTL {
			delete(rl.buckets, key)
		}
	}
}

// Len returns the number of live client buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := rl.match(r.Method, r.URL.Path)
		client := clientIP(r)
		if !rl.bucket(route, client).Allow() {
			w.Header().Set("Retry-After", "60")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			rl.logger.Warn("admin API rate limit exceeded", "method", r.Method, "path", r.URL.Path, "client_ip", client)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) match(method, path string) routeLimit {
	for _, rt := range rl.routes {
		if rt.method == method && strings.HasPrefix(path, rt.prefix) {
			return rt
		}
	}
	return routeLimit{key: defaultRouteKey, every: 1, burst: 5}
}

func (rl *RateLimiter) bucket(route routeLimit, client string) *rate.Limiter {
	key := route.key + "|" + client
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(route.every, route.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
