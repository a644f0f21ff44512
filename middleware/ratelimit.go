package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/themis-platform/archimedes"
)

// KeyExtractor derives the rate-limit key for a request. Returning ok=false
// bypasses the limiter entirely for that request (the documented resolution
// for key extraction failure: treat as unlimited rather than guess a
// default key or reject the request).
type KeyExtractor func(ctx *archimedes.Context) (key string, ok bool)

// IPKeyExtractor keys by Context.ClientIP.
func IPKeyExtractor() KeyExtractor {
	return func(ctx *archimedes.Context) (string, bool) {
		if ctx.ClientIP == "" {
			return "", false
		}
		return ctx.ClientIP, true
	}
}

// HeaderKeyExtractor keys by the value of header name.
func HeaderKeyExtractor(name string) KeyExtractor {
	return func(ctx *archimedes.Context) (string, bool) {
		v := ctx.Request.Header.Get(name)
		if v == "" {
			return "", false
		}
		return v, true
	}
}

// UserKeyExtractor keys by the authenticated identity's user id, bypassing
// the limiter for anonymous requests.
func UserKeyExtractor() KeyExtractor {
	return func(ctx *archimedes.Context) (string, bool) {
		if ctx.Identity.Kind != archimedes.IdentityUser || ctx.Identity.UserID == "" {
			return "", false
		}
		return ctx.Identity.UserID, true
	}
}

// GlobalKeyExtractor keys every request identically, producing one
// process-wide limit.
func GlobalKeyExtractor() KeyExtractor {
	return func(ctx *archimedes.Context) (string, bool) {
		return "__global__", true
	}
}

type windowCounter struct {
	mu         sync.Mutex
	start      time.Time
	current    int
	previous   int
}

// RateLimit implements the sliding-window limiter: two counters per key
// (current and previous window), the effective count blending the previous
// window's contribution by the fraction of the current window remaining.
func RateLimit(limit int, window time.Duration, extractor KeyExtractor) archimedes.Stage {
	var mu sync.Mutex
	counters := map[string]*windowCounter{}

	return archimedes.Stage{
		Name: "rate_limit",
		Gas: func(next archimedes.Handler) archimedes.Handler {
			return func(ctx *archimedes.Context, body []byte) (*archimedes.Response, error) {
				key, ok := extractor(ctx)
				if !ok {
					return next(ctx, body)
				}

				now := ctx.ReceivedAt
				mu.Lock()
				wc, ok := counters[key]
				if !ok {
					wc = &windowCounter{start: now}
					counters[key] = wc
				}
				mu.Unlock()

				wc.mu.Lock()
				elapsed := now.Sub(wc.start)
				for elapsed >= window {
					wc.previous = wc.current
					wc.current = 0
					wc.start = wc.start.Add(window)
					elapsed = now.Sub(wc.start)
				}

				progress := float64(elapsed) / float64(window)
				effective := float64(wc.current) + float64(wc.previous)*(1-progress)

				resetAfter := window - elapsed
				resetAt := wc.start.Add(window)

				if effective >= float64(limit) {
					wc.mu.Unlock()
					resp := archimedes.ErrorResponse(archimedes.ErrRateLimited("rate limit exceeded"), ctx.RequestID)
					setRateLimitHeaders(resp.Header, limit, 0, resetAt, resetAfter)
					resp.Header.Set("Retry-After", strconv.Itoa(int(resetAfter.Seconds())+1))
					return resp, nil
				}

				wc.current++
				remaining := limit - wc.current - wc.previous
				if remaining < 0 {
					remaining = 0
				}
				wc.mu.Unlock()

				resp, err := next(ctx, body)
				if err != nil || resp == nil {
					return resp, err
				}
				setRateLimitHeaders(resp.Header, limit, remaining, resetAt, resetAfter)
				return resp, nil
			}
		},
	}
}

func setRateLimitHeaders(h http.Header, limit, remaining int, resetAt time.Time, resetAfter time.Duration) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
	h.Set("X-RateLimit-Reset-After", strconv.Itoa(int(resetAfter.Seconds())))
}
