// Package ratelimit keeps per-identity cooldown timers and per-operation
// in-flight markers. All state is process memory; a restart clears it,
// which is safe because the store stays the source of truth.
package ratelimit

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type Limiter struct {
	// identity -> next allowed time
	cooldowns *xsync.MapOf[string, time.Time]
	// identity+kind -> marker start time
	inflight *xsync.MapOf[string, time.Time]
}

func New() *Limiter {
	return &Limiter{
		cooldowns: xsync.NewMapOf[string, time.Time](),
		inflight:  xsync.NewMapOf[string, time.Time](),
	}
}

func opKey(identity, kind string) string {
	return identity + "\x00" + kind
}

// CheckCooldown returns the remaining wait for the identity, zero if clear.
func (l *Limiter) CheckCooldown(identity string) time.Duration {
	until, ok := l.cooldowns.Load(identity)
	if !ok {
		return 0
	}
	remaining := time.Until(until)
	if remaining <= 0 {
		l.cooldowns.Delete(identity)
		return 0
	}
	return remaining
}

// SetCooldown blocks the identity for d, overwriting any prior cooldown.
func (l *Limiter) SetCooldown(identity string, d time.Duration) {
	l.cooldowns.Store(identity, time.Now().Add(d))
}

func (l *Limiter) ClearCooldown(identity string) {
	l.cooldowns.Delete(identity)
}

// Begin test-and-sets the in-flight marker for (identity, kind). A false
// return means the same operation is already running; the caller must back
// off, not queue.
func (l *Limiter) Begin(identity, kind string) bool {
	_, loaded := l.inflight.LoadOrStore(opKey(identity, kind), time.Now())
	return !loaded
}

// End releases the marker. Callers defer it on every exit path.
func (l *Limiter) End(identity, kind string) {
	l.inflight.Delete(opKey(identity, kind))
}

// InFlight reports whether the marker for (identity, kind) is held.
func (l *Limiter) InFlight(identity, kind string) bool {
	_, ok := l.inflight.Load(opKey(identity, kind))
	return ok
}

// SweepCooldowns drops expired cooldowns, returning how many went.
func (l *Limiter) SweepCooldowns(now time.Time) (swept int) {
	l.cooldowns.Range(func(identity string, until time.Time) bool {
		if now.After(until) {
			l.cooldowns.Delete(identity)
			swept++
		}
		return true
	})
	return swept
}

// SweepInflight reaps markers older than ceiling. This is the safety net
// for a code path that failed to release its marker.
func (l *Limiter) SweepInflight(now time.Time, ceiling time.Duration) (swept int) {
	l.inflight.Range(func(key string, started time.Time) bool {
		if now.Sub(started) > ceiling {
			l.inflight.Delete(key)
			swept++
		}
		return true
	})
	return swept
}
