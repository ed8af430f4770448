package keysmith

import (
	"context"
	"time"
)

// RunSweeper reclaims idle in-memory state on a fixed period until ctx is
// cancelled: expired cooldowns, cache entries well past their hard expiry,
// and in-flight markers some code path failed to release. It never touches
// the store.
func (ks *Keysmith) RunSweeper(ctx context.Context) {
	cycle := func() {
		now := time.Now()
		cooldowns := ks.limits.SweepCooldowns(now)
		// entries linger one extra lifetime past hard expiry so a busy
		// identity re-refreshes instead of thrashing through evictions
		entries := ks.cache.Sweep(now, 2*ks.opts.CacheTTL)
		markers := ks.limits.SweepInflight(now, ks.opts.InflightCeiling)

		SweptEntries.WithLabelValues("cooldowns").Add(float64(cooldowns))
		SweptEntries.WithLabelValues("cache").Add(float64(entries))
		SweptEntries.WithLabelValues("inflight").Add(float64(markers))
		if cooldowns+entries+markers > 0 {
			ks.log.Debug("sweep done", "cooldowns", cooldowns, "cache", entries, "inflight", markers)
		}
	}
	for ctx.Err() == nil {
		cycle()
		select {
		case <-ctx.Done():
		case <-time.After(ks.opts.SweepPeriod):
		}
	}
}
