package aigen

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is how long an unused tenant bucket is kept once the table is
// large enough to be swept.
const idleAfter = 10 * time.Minute

// sweepAt is the table size that triggers a sweep.
const sweepAt = 1000

type tenantLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a token bucket per tenant.
type Limiter struct {
	perMinute int
	burst     int
	now       func() time.Time

	mu      sync.Mutex
	tenants map[string]*tenantLimiter
}

// NewLimiter allows perMinute generations per tenant with the given burst.
// A non-positive perMinute disables limiting.
func NewLimiter(perMinute, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		perMinute: perMinute,
		burst:     burst,
		now:       time.Now,
		tenants:   map[string]*tenantLimiter{},
	}
}

// Allow takes one token from the tenant's bucket.
func (l *Limiter) Allow(tenant string) bool {
	if l == nil || l.perMinute <= 0 {
		return true
	}
	now := l.now()
	return l.get(tenant, now).AllowN(now, 1)
}

func (l *Limiter) get(tenant string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.tenants[tenant]; ok {
		t.lastSeen = now
		return t.limiter
	}
	t := &tenantLimiter{
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.burst),
		lastSeen: now,
	}
	l.tenants[tenant] = t
	l.sweepLocked(now)
	return t.limiter
}

func (l *Limiter) sweepLocked(now time.Time) {
	if len(l.tenants) < sweepAt {
		return
	}
	cutoff := now.Add(-idleAfter)
	for id, t := range l.tenants {
		if t.lastSeen.Before(cutoff) {
			delete(l.tenants, id)
		}
	}
}

// Len returns the number of tracked tenants.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tenants)
}
