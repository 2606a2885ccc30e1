package vault

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hpungsan/gtkrypt/internal/config"
)

// attemptLimiter is a token bucket per vault name, consulted before every
// operation that derives a key from a presented passphrase.
type attemptLimiter struct {
	mu       sync.Mutex
	disabled bool
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	entries  map[string]*attemptBucket
	now      func() time.Time
}

type attemptBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newAttemptLimiter(cfg *config.Config) *attemptLimiter {
	perMinute := cfg.UnlockAttemptsPerMinute
	burst := cfg.UnlockBurst
	if burst <= 0 {
		burst = 1
	}
	return &attemptLimiter{
		disabled: cfg.ThrottleDisabled() || perMinute == 0,
		limit:    rate.Limit(float64(perMinute) / time.Minute.Seconds()),
		burst:    burst,
		ttl:      time.Hour,
		entries:  make(map[string]*attemptBucket),
		now:      time.Now,
	}
}

func (a *attemptLimiter) allow(key string) bool {
	if a == nil || a.disabled {
		return true
	}
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.entries[key]
	if b == nil {
		b = &attemptBucket{lim: rate.NewLimiter(a.limit, a.burst), lastSeen: now}
		a.entries[key] = b
	}
	b.lastSeen = now

	for k, v := range a.entries {
		if now.Sub(v.lastSeen) > a.ttl {
			delete(a.entries, k)
		}
	}
	return b.lim.AllowN(now, 1)
}

// reset forgets the bucket for key after a successful attempt.
func (a *attemptLimiter) reset(key string) {
	if a == nil || a.disabled {
		return
	}
	a.mu.Lock()
	delete(a.entries, key)
	a.mu.Unlock()
}
