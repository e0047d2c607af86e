package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

const (
	defaultRate  = rate.Limit(0.5)
	defaultBurst = 10
)

// Middleware limits requests per client IP with a token bucket.
type Middleware struct {
	// Rate is the sustained requests per second. Defaults to 0.5.
	Rate rate.Limit
	// Burst is the number of requests allowed at once. Defaults to 10.
	Burst int
	// Key returns the bucket for a request. Defaults to the host part of
	// r.RemoteAddr, so proxies must have rewritten it already.
	Key    func(r *http.Request) string
	Logger *slog.Logger

	initOnce sync.Once
	cache    *limiterCache
}

func (m *Middleware) init() {
	m.initOnce.Do(func() {
		if m.Rate == 0 {
			m.Rate = defaultRate
		}
		if m.Burst == 0 {
			m.Burst = defaultBurst
		}
		if m.Key == nil {
			m.Key = remoteIP
		}
		if m.Logger == nil {
			m.Logger = slog.New(slog.DiscardHandler)
		}
		m.cache = &limiterCache{limit: m.Rate, burst: m.Burst}
	})
}

// Wrap rejects requests over the limit with 429 Too Many Requests.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	m.init()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.Key(r)
		if !m.cache.get(key).Allow() {
			m.Logger.WarnContext(r.Context(), "rate limited", "key", key, "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(int(1/float64(m.Rate))+1))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// remoteIP is the address without its port. Unix socket peers have no port
// and use the whole address.
func remoteIP(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}
