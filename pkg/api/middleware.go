package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitConfig holds the rate limiter settings.
type rateLimitConfig struct {
	rps   rate.Limit
	burst int
}

// KeyFunc derives the rate-limit bucket key for a request. The default
// keys by remote IP; callers that have an authenticated principal in
// context (see pkg/auth) should key by org ID instead so one noisy IP
// behind a shared NAT can't throttle an unrelated org.
type KeyFunc func(r *http.Request) string

// GlobalRateLimiter manages per-actor rate limiters.
type GlobalRateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	config   rateLimitConfig
	keyFunc  KeyFunc
}

// visitor tracks the rate limiter and last seen time for an actor.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGlobalRateLimiter creates a new rate limiter.
// rps: requests per second allowed.
// burst: maximum burst size.
func NewGlobalRateLimiter(rps int, burst int) *GlobalRateLimiter {
	return &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		config: rateLimitConfig{
			rps:   rate.Limit(rps),
			burst: burst,
		},
		keyFunc: remoteIPKey,
	}
}

// WithKeyFunc overrides how the limiter buckets requests. Call once,
// before serving traffic; the eviction loop is started by Start.
func (rl *GlobalRateLimiter) WithKeyFunc(fn KeyFunc) *GlobalRateLimiter {
	rl.keyFunc = fn
	return rl
}

// Start launches the background cleanup of stale visitor entries. Callers
// own its lifetime implicitly — the limiter is meant to live as long as
// the process.
func (rl *GlobalRateLimiter) Start() *GlobalRateLimiter {
	go rl.cleanupVisitors()
	return rl
}

func remoteIPKey(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
		ip = strings.TrimPrefix(ip, "[")
		ip = strings.TrimSuffix(ip, "]")
	}
	return "ip:" + ip
}

func (rl *GlobalRateLimiter) getVisitor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[key]
	if !exists {
		limiter := rate.NewLimiter(rl.config.rps, rl.config.burst)
		rl.visitors[key] = &visitor{limiter, time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// cleanupVisitors removes stale visitor entries to prevent memory leaks.
// Checks every minute, removes entries older than 3 minutes.
func (rl *GlobalRateLimiter) cleanupVisitors() {
	for {
		time.Sleep(1 * time.Minute)
		rl.mu.Lock()
		for key, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware returns a Handler that enforces rate limits.
func (rl *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := rl.getVisitor(rl.keyFunc(r))
		if !limiter.Allow() {
			WriteTooManyRequests(w, 1)
			return
		}

		next.ServeHTTP(w, r)
	})
}
