// Package keysmith manages the lifecycle of license keys: issuance,
// redemption, revocation, device binding, whitelist and denylist handling.
// Its core is the reconciliation engine that merges the store's lookup
// paths (owner identity, alias, whitelist linkage) into the authoritative
// active-key set for an identity, self-healing inconsistent records along
// the way, and serves it through a soft/hard-expiring cache.
package keysmith

import (
	"log/slog"
	"time"

	"github.com/vorahub/keysmith/docstore"
	"github.com/vorahub/keysmith/ratelimit"
	"github.com/vorahub/keysmith/utils"
)

type Options struct {
	// CacheTTL is the hard lifetime of a cache entry. Past it the entry
	// must not be served.
	CacheTTL time.Duration
	// SoftRefreshAfter triggers a non-blocking background refresh while
	// the cached set is still being served. Must be below CacheTTL.
	SoftRefreshAfter time.Duration
	// SweepPeriod is the idle sweeper cadence.
	SweepPeriod time.Duration
	// InflightCeiling reaps in-flight markers a crashed path never
	// released.
	InflightCeiling time.Duration
	// RedeemCooldown is applied to an identity after a failed redemption.
	RedeemCooldown time.Duration
	// ChunkLimit caps ops per store transaction, buffered below the
	// store's hard limit.
	ChunkLimit int
	// DeviceLimit is the default per-key device ceiling on redemption.
	DeviceLimit int64

	Logger utils.Logger
}

func (o *Options) SetDefaults() {
	if o.CacheTTL == 0 {
		o.CacheTTL = 5 * time.Minute
	}
	if o.SoftRefreshAfter == 0 {
		o.SoftRefreshAfter = time.Minute
	}
	if o.SweepPeriod == 0 {
		o.SweepPeriod = 5 * time.Minute
	}
	if o.InflightCeiling == 0 {
		o.InflightCeiling = 5 * time.Minute
	}
	if o.RedeemCooldown == 0 {
		o.RedeemCooldown = 30 * time.Second
	}
	if o.ChunkLimit == 0 {
		o.ChunkLimit = docstore.DefaultChunkLimit
	}
	if o.DeviceLimit == 0 {
		o.DeviceLimit = 1
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

type Keysmith struct {
	store  docstore.Store
	exec   *docstore.Executor
	cache  *KeyCache
	limits *ratelimit.Limiter
	log    utils.Logger
	opts   Options
}

// New wires a service over the given store. The cache, cooldown, and
// in-flight maps are owned by this instance, so independent instances can
// run side by side in tests.
func New(store docstore.Store, opts Options) *Keysmith {
	opts.SetDefaults()
	return &Keysmith{
		store:  store,
		exec:   docstore.NewExecutor(store, opts.Logger, opts.ChunkLimit),
		cache:  NewKeyCache(),
		limits: ratelimit.New(),
		log:    opts.Logger,
		opts:   opts,
	}
}

// Cache exposes the key cache for the sweeper and tests.
func (ks *Keysmith) Cache() *KeyCache {
	return ks.cache
}

// Limiter exposes the rate limiter for UI glue and tests.
func (ks *Keysmith) Limiter() *ratelimit.Limiter {
	return ks.limits
}
