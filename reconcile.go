package keysmith

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vorahub/keysmith/docstore"
	"github.com/vorahub/keysmith/keysmith_errors"
	"github.com/vorahub/keysmith/utils"
)

// OpRefresh is the single-flight kind guarding background refreshes.
const OpRefresh = "refresh"

// ActiveKeys resolves the authoritative active-key set for an identity.
//
// With forceFresh false, a cached non-hard-expired entry is served
// immediately; if it is past the soft-refresh threshold a background
// refresh is kicked off without blocking the caller. Otherwise a
// synchronous refresh runs.
func (ks *Keysmith) ActiveKeys(ctx context.Context, identity, alias string, forceFresh bool) ([]string, error) {
	if !forceFresh {
		if entry, ok := ks.cache.Get(identity); ok && time.Now().Before(entry.HardExpiry) {
			if time.Since(entry.RefreshedAt) > ks.opts.SoftRefreshAfter {
				CacheLookups.WithLabelValues("stale").Inc()
				ks.spawnRefresh(identity, alias)
			} else {
				CacheLookups.WithLabelValues("hit").Inc()
			}
			return append([]string(nil), entry.Keys...), nil
		}
		CacheLookups.WithLabelValues("miss").Inc()
	}
	return ks.refresh(ctx, identity, alias, false)
}

// InvalidateCache drops the identity's entry and rebuilds it synchronously.
func (ks *Keysmith) InvalidateCache(ctx context.Context, identity, alias string) error {
	ks.cache.Delete(identity)
	_, err := ks.refresh(ctx, identity, alias, false)
	return err
}

// spawnRefresh fires a detached background refresh. An identity already
// refreshing is skipped, not queued. Failures are logged and swallowed;
// the interactive caller that triggered this never sees them.
func (ks *Keysmith) spawnRefresh(identity, alias string) {
	if !ks.limits.Begin(identity, OpRefresh) {
		return
	}
	go func() {
		defer ks.limits.End(identity, OpRefresh)
		ctx := utils.WithDefaultArgs(context.Background(), "identity", identity, "process", "background_refresh")
		if _, err := ks.refresh(ctx, identity, alias, true); err != nil {
			ks.log.ErrorCtx(ctx, "background refresh failed", "error", err)
		}
	}()
}

type queryResult struct {
	docs []docstore.Doc
	err  error
}

// refresh rebuilds the identity's key set from the store and overwrites
// the cache entry. Background refreshes skip the alias fallback query;
// that asymmetry is deliberate and load-bearing for interactive latency.
func (ks *Keysmith) refresh(ctx context.Context, identity, alias string, background bool) ([]string, error) {
	start := time.Now()
	mode := "sync"
	if background {
		mode = "background"
	}

	// alias fallback catches records that predate identity binding; it
	// runs in parallel with the owner query on non-background refreshes
	aliasCh := make(chan queryResult, 1)
	if !background && alias != "" {
		go func() {
			docs, err := ks.store.Query(ctx, ColKeys, "alias", alias, 0)
			aliasCh <- queryResult{docs, err}
		}()
	} else {
		aliasCh <- queryResult{}
	}

	byOwner, err := ks.store.Query(ctx, ColKeys, "owner", identity, 0)
	if err != nil {
		return nil, ks.reconcileFailed(mode, identity, err)
	}
	byAlias := <-aliasCh
	if byAlias.err != nil {
		return nil, ks.reconcileFailed(mode, identity, byAlias.err)
	}

	var grant *WhitelistGrant
	gdoc, err := ks.store.Get(ctx, ColWhitelist, identity)
	if err == nil {
		grant = &WhitelistGrant{}
		if derr := gdoc.Decode(grant); derr != nil {
			return nil, ks.reconcileFailed(mode, identity, derr)
		}
	} else if !errors.Is(err, keysmith_errors.ErrDocMissing) {
		return nil, ks.reconcileFailed(mode, identity, err)
	}

	now := time.Now()
	keys := make([]string, 0, len(byOwner))
	seen := make(map[string]bool, len(byOwner))
	var heals []docstore.Op

	for _, doc := range byOwner {
		var rec KeyRecord
		if derr := doc.Decode(&rec); derr != nil {
			return nil, ks.reconcileFailed(mode, identity, derr)
		}
		if rec.Expired(now) || seen[doc.ID] {
			continue
		}
		seen[doc.ID] = true
		keys = append(keys, doc.ID)
		if rec.Alias == "" && alias != "" {
			heals = append(heals, docstore.Update(ColKeys, doc.ID, map[string]any{"alias": alias}))
			SelfHealOps.WithLabelValues("alias").Inc()
		}
	}

	for _, doc := range byAlias.docs {
		if seen[doc.ID] {
			continue
		}
		var rec KeyRecord
		if derr := doc.Decode(&rec); derr != nil {
			return nil, ks.reconcileFailed(mode, identity, derr)
		}
		if rec.Expired(now) {
			continue
		}
		seen[doc.ID] = true
		keys = append(keys, doc.ID)
		heals = append(heals, docstore.Update(ColKeys, doc.ID, map[string]any{"owner": identity}))
		SelfHealOps.WithLabelValues("owner").Inc()
	}

	if grant != nil && grant.LinkedKey != "" && !seen[grant.LinkedKey] {
		seen[grant.LinkedKey] = true
		keys = append(keys, grant.LinkedKey)
		heal, herr := ks.whitelistHeal(ctx, identity, alias, grant.LinkedKey, now)
		if herr != nil {
			return nil, ks.reconcileFailed(mode, identity, herr)
		}
		heals = append(heals, heal...)
	}

	if len(heals) > 0 {
		// a failed self-heal must not fail the read that found it;
		// the next refresh will queue the same fixes again
		if _, serr := ks.exec.Submit(ctx, heals); serr != nil {
			ks.log.WarnCtx(ctx, "self-heal batch failed", "identity", identity, "ops", len(heals), "error", serr)
		}
	}

	ks.cache.Set(identity, &CacheEntry{
		Keys:        keys,
		HardExpiry:  now.Add(ks.opts.CacheTTL),
		RefreshedAt: now,
	})
	RefreshCount.WithLabelValues(mode, "ok").Inc()
	RefreshDuration.WithLabelValues(mode).Observe(float64(time.Since(start).Milliseconds()))
	return keys, nil
}

// whitelistHeal queues the ops that bring the grant's linked key record in
// line: materialize it if missing, fix owner/alias/whitelist flags if not.
func (ks *Keysmith) whitelistHeal(ctx context.Context, identity, alias, linked string, now time.Time) ([]docstore.Op, error) {
	kdoc, err := ks.store.Get(ctx, ColKeys, linked)
	if errors.Is(err, keysmith_errors.ErrDocMissing) {
		rec := KeyRecord{
			Owner:       identity,
			Alias:       alias,
			DeviceLimit: ks.opts.DeviceLimit,
			CreatedAt:   now.UnixMilli(),
			Whitelist:   true,
		}
		SelfHealOps.WithLabelValues("materialize").Inc()
		return []docstore.Op{docstore.Create(ColKeys, linked, rec.Fields())}, nil
	}
	if err != nil {
		return nil, err
	}
	var rec KeyRecord
	if err := kdoc.Decode(&rec); err != nil {
		return nil, err
	}
	fix := map[string]any{}
	if rec.Owner == "" {
		fix["owner"] = identity
	}
	if rec.Alias == "" && alias != "" {
		fix["alias"] = alias
	}
	if !rec.Whitelist {
		fix["whitelist"] = true
	}
	if len(fix) == 0 {
		return nil, nil
	}
	SelfHealOps.WithLabelValues("whitelist").Inc()
	return []docstore.Op{docstore.Update(ColKeys, linked, fix)}, nil
}

func (ks *Keysmith) reconcileFailed(mode, identity string, cause error) error {
	RefreshCount.WithLabelValues(mode, "error").Inc()
	return errors.Join(
		keysmith_errors.ErrReconciliationFailed,
		fmt.Errorf("identity %s: %w", identity, cause),
	)
}
