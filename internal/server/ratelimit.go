package server

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kbai/kbai-go/internal/logging"
)

const (
	// defaultRateLimit is the sustained requests/second allowed per client
	// IP on limited endpoints.
	defaultRateLimit = 10
	// defaultRateBurst absorbs short spikes without immediate rejection.
	defaultRateBurst = 20

	// visitorTTL is how long an idle client keeps its bucket before the
	// sweeper drops it.
	visitorTTL = 5 * time.Minute
	// sweepInterval is how often stale visitors are evicted.
	sweepInterval = time.Minute
)

// visitor is the per-IP token bucket plus the last time the IP was seen.
type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// rateLimiter applies a per-IP token bucket. The visitors map is bounded by
// a background sweeper that evicts idle entries.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	rps   rate.Limit
	burst int
	log   *slog.Logger
}

// newRateLimiter constructs the limiter and starts its sweeper goroutine.
// The goroutine exits when the returned stop function is called.
func newRateLimiter(rps float64, burst int, log *slog.Logger) (*rateLimiter, func()) {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		log:      log,
	}

	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				rl.sweep()
			}
		}
	}()

	return rl, func() { close(stopCh) }
}

func (rl *rateLimiter) bucketFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{bucket: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.bucket
}

func (rl *rateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-visitorTTL)
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
}

// middleware rejects over-limit requests with 429 and a Retry-After header
// before delegating to next.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.bucketFor(ip).Allow() {
			logging.FromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path))
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is the peer address with the port stripped. X-Forwarded-For is
// deliberately ignored: the server binds to localhost by default and a
// spoofable header must not defeat the per-IP limit.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
