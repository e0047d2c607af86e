package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"lds.li/grantidp/internal/model"
)

// DeviceThrottle enforces the device flow polling interval per device code.
// A poll that arrives before the interval has passed since the previous one
// should be answered with slow_down.
type DeviceThrottle struct {
	// Interval is the minimum time between polls.
	Interval time.Duration
	// Retention is how long a device code is remembered after its last poll,
	// normally the device code lifetime.
	Retention time.Duration
	// Now defaults to time.Now.
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]*pollEntry
	pruned  time.Time
}

type pollEntry struct {
	limiter *rate.Limiter
	last    time.Time
}

func (d *DeviceThrottle) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// ShouldSlowDown records a poll for deviceCode and reports if it came too
// soon.
func (d *DeviceThrottle) ShouldSlowDown(_ context.Context, deviceCode string) bool {
	interval := d.Interval
	if interval <= 0 {
		interval = model.DefaultPollingInterval
	}
	retention := d.Retention
	if retention <= 0 {
		retention = model.DefaultDeviceCodeLifetime
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.entries == nil {
		d.entries = make(map[string]*pollEntry)
	}
	if now.Sub(d.pruned) > retention {
		for k, e := range d.entries {
			if now.Sub(e.last) > retention {
				delete(d.entries, k)
			}
		}
		d.pruned = now
	}

	e, ok := d.entries[deviceCode]
	if !ok {
		e = &pollEntry{limiter: rate.NewLimiter(rate.Every(interval), 1)}
		d.entries[deviceCode] = e
	}
	e.last = now
	return !e.limiter.AllowN(now, 1)
}
