package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	// Max is the number of requests a key may make per Window.
	Max    int
	Window time.Duration
	// KeyFunc identifies the caller. Defaults to ClientIP.
	KeyFunc func(*http.Request) string
	// Message is sent with 429 responses.
	Message string
}

// window counts requests in the current fixed window and remembers the
// previous one. The estimate weights the previous count by how much of it
// still overlaps the sliding window ending now.
type window struct {
	start    time.Time
	count    float64
	previous float64
}

type limiter struct {
	max    float64
	length time.Duration

	mu      sync.Mutex
	windows map[string]*window
}

func newLimiter(cfg RateLimitConfig) *limiter {
	return &limiter{
		max:     float64(cfg.Max),
		length:  cfg.Window,
		windows: make(map[string]*window),
	}
}

// take records a request for key unless it would exceed the limit.
func (l *limiter) take(key string, now time.Time) (remaining int, reset time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := now.Truncate(l.length)
	w, found := l.windows[key]
	switch {
	case !found:
		w = &window{start: start}
		l.windows[key] = w
	case start.Sub(w.start) >= 2*l.length:
		*w = window{start: start}
	case start.After(w.start):
		*w = window{start: start, previous: w.count}
	}

	overlap := 1 - float64(now.Sub(w.start))/float64(l.length)
	used := w.previous*overlap + w.count
	reset = w.start.Add(l.length)
	if used+1 > l.max {
		return 0, reset, false
	}
	w.count++
	return max(int(l.max-used-1), 0), reset, true
}

// evict drops keys idle for two windows.
func (l *limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, w := range l.windows {
		if now.Sub(w.start) >= 2*l.length {
			delete(l.windows, key)
		}
	}
}

// RateLimit enforces a per-key sliding window limit and reports it through
// the X-RateLimit-* headers. Idle keys are evicted until ctx is done.
func RateLimit(ctx context.Context, cfg RateLimitConfig) Middleware {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Message == "" {
		cfg.Message = "too many requests, try again later"
	}
	l := newLimiter(cfg)

	go func() {
		ticker := time.NewTicker(2 * cfg.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.evict(now)
			}
		}
	}()

	limit := strconv.Itoa(cfg.Max)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			remaining, reset, ok := l.take(cfg.KeyFunc(r), now)

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			if !ok {
				wait := max(reset.Sub(now), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				WriteError(w, http.StatusTooManyRequests, cfg.Message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the first X-Forwarded-For hop, X-Real-IP, or the remote
// host, in that order.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
