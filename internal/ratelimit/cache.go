package ratelimit

import (
	"runtime"
	"sync"
	"weak"

	"golang.org/x/time/rate"
)

// limiterCache hands out one limiter per key. Entries are held weakly, so a
// limiter nobody is using can be collected and its key starts afresh.
type limiterCache struct {
	m     sync.Map // map[string]weak.Pointer[rate.Limiter]
	limit rate.Limit
	burst int
}

func (c *limiterCache) get(key string) *rate.Limiter {
	for {
		val, ok := c.m.Load(key)
		if ok {
			if l := val.(weak.Pointer[rate.Limiter]).Value(); l != nil {
				return l
			}
			c.m.CompareAndDelete(key, val)
		}

		l := rate.NewLimiter(c.limit, c.burst)
		wp := weak.Make(l)
		if _, loaded := c.m.LoadOrStore(key, wp); !loaded {
			runtime.AddCleanup(l, func(k string) {
				c.m.CompareAndDelete(k, wp)
			}, key)
			return l
		}
		// Lost the race, use the winner's limiter.
	}
}
