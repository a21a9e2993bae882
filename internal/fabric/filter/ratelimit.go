package filter

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orbitdns/event-fabric/internal/domain/event"
	"github.com/orbitdns/event-fabric/internal/domain/model"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per (session, event type). Caps come
// from the identity's token claims with a configuration default; admins
// and CRITICAL events are exempt. State lives here rather than on the
// Session so the registry stays free of filter concerns; the hub's close
// hook calls DropSession.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[uuid.UUID]map[event.Type]*bucket

	defaultPerMinute float64
	noticeWindow     time.Duration
}

type bucket struct {
	lim        *rate.Limiter
	lastNotice time.Time
}

func NewRateLimiter(defaultPerMinute float64, noticeWindow time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets:          make(map[uuid.UUID]map[event.Type]*bucket),
		defaultPerMinute: defaultPerMinute,
		noticeWindow:     noticeWindow,
	}
}

// Allow consumes one token for the (session, type) pair. The second
// return value asks the caller to emit a rate_limited control frame; it
// is true at most once per notice window per bucket.
func (rl *RateLimiter) Allow(sessionID uuid.UUID, identity model.Identity, t event.Type, prio event.Priority, now time.Time) (allowed, notify bool) {
	if identity.IsAdmin() || prio == event.PriorityCritical {
		return true, false
	}

	perMinute := rl.defaultPerMinute
	if override, ok := identity.RateCaps[t]; ok {
		perMinute = override
	}
	if perMinute <= 0 {
		return true, false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	byType := rl.buckets[sessionID]
	if byType == nil {
		byType = make(map[event.Type]*bucket)
		rl.buckets[sessionID] = byType
	}
	b := byType[t]
	if b == nil {
		burst := int(perMinute)
		if burst < 1 {
			burst = 1
		}
		b = &bucket{lim: rate.NewLimiter(rate.Limit(perMinute/60.0), burst)}
		byType[t] = b
	}

	if b.lim.AllowN(now, 1) {
		return true, false
	}
	if now.Sub(b.lastNotice) >= rl.noticeWindow {
		b.lastNotice = now
		return false, true
	}
	return false, false
}

// DropSession releases all buckets of a closed session.
func (rl *RateLimiter) DropSession(sessionID uuid.UUID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, sessionID)
}
