package keysmith

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vorahub/keysmith/docstore"
	"github.com/vorahub/keysmith/keycode"
	"github.com/vorahub/keysmith/keysmith_errors"
)

// Single-flight operation kinds.
const (
	OpRedeem = "redeem"
	OpRevoke = "revoke"
)

// IssueKeys generates count pending keys. validityDays nil means permanent.
// Every key of one call shares an issuance batch id for audit.
func (ks *Keysmith) IssueKeys(ctx context.Context, count int, validityDays *int64, issuedBy string) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	batch := uuid.NewString()
	now := time.Now().UnixMilli()
	keys := make([]string, 0, count)
	ops := make([]docstore.Op, 0, count)
	for i := 0; i < count; i++ {
		token := keycode.Generate()
		pending := PendingKey{
			IssuedBy:     issuedBy,
			IssuedAt:     now,
			ValidityDays: validityDays,
			Batch:        batch,
		}
		keys = append(keys, token)
		ops = append(ops, docstore.Create(ColPending, token, pending.Fields()))
	}
	chunks, err := ks.exec.Submit(ctx, ops)
	if err != nil {
		OpResults.WithLabelValues("issue", "error").Inc()
		return nil, err
	}
	OpResults.WithLabelValues("issue", "ok").Inc()
	ks.log.InfoCtx(ctx, "keys issued", "count", count, "batch", batch, "chunks", chunks, "by", issuedBy)
	return keys, nil
}

// Redeem consumes a pending key and binds it to the identity. The pending
// record is deleted and the key record created in one transaction, so a
// key redeems exactly once even under racing callers; the loser's create
// hits the store's id-uniqueness backstop.
func (ks *Keysmith) Redeem(ctx context.Context, identity, alias, token string) (permanent bool, err error) {
	if !keycode.Validate(token) {
		return false, keysmith_errors.ErrInvalidKeyFormat
	}
	if remaining := ks.limits.CheckCooldown(identity); remaining > 0 {
		return false, errors.Join(
			keysmith_errors.ErrCooldownActive,
			fmt.Errorf("retry in %s", remaining.Round(time.Second)),
		)
	}
	if !ks.limits.Begin(identity, OpRedeem) {
		return false, keysmith_errors.ErrOperationInProgress
	}
	defer ks.limits.End(identity, OpRedeem)

	fail := func(ferr error) (bool, error) {
		ks.limits.SetCooldown(identity, ks.opts.RedeemCooldown)
		OpResults.WithLabelValues("redeem", "rejected").Inc()
		return false, ferr
	}

	if _, derr := ks.store.Get(ctx, ColDenylist, identity); derr == nil {
		return fail(keysmith_errors.ErrIdentityDenylisted)
	} else if !errors.Is(derr, keysmith_errors.ErrDocMissing) {
		return false, derr
	}

	if kdoc, kerr := ks.store.Get(ctx, ColKeys, token); kerr == nil {
		var rec KeyRecord
		if derr := kdoc.Decode(&rec); derr != nil {
			ks.log.WarnCtx(ctx, "undecodable key record", "token", token, "error", derr)
			return fail(keysmith_errors.ErrKeyAlreadyBound)
		}
		// reveal the holder's display label only, never the raw identity
		return fail(errors.Join(
			keysmith_errors.ErrKeyAlreadyBound,
			fmt.Errorf("held by %q", rec.Alias),
		))
	} else if !errors.Is(kerr, keysmith_errors.ErrDocMissing) {
		return false, kerr
	}

	pdoc, perr := ks.store.Get(ctx, ColPending, token)
	if errors.Is(perr, keysmith_errors.ErrDocMissing) {
		return fail(keysmith_errors.ErrKeyNotFound)
	}
	if perr != nil {
		return false, perr
	}
	var pending PendingKey
	if err := pdoc.Decode(&pending); err != nil {
		return false, err
	}

	now := time.Now()
	rec := KeyRecord{
		Owner:       identity,
		Alias:       alias,
		DeviceLimit: ks.opts.DeviceLimit,
		CreatedAt:   now.UnixMilli(),
	}
	if pending.ValidityDays != nil {
		exp := now.Add(time.Duration(*pending.ValidityDays) * 24 * time.Hour).UnixMilli()
		rec.ExpiresAt = &exp
	}
	ops := []docstore.Op{
		docstore.Delete(ColPending, token),
		docstore.Create(ColKeys, token, rec.Fields()),
	}
	if _, err := ks.exec.Submit(ctx, ops); err != nil {
		OpResults.WithLabelValues("redeem", "error").Inc()
		return false, err
	}
	OpResults.WithLabelValues("redeem", "ok").Inc()
	ks.log.InfoCtx(ctx, "key redeemed", "identity", identity, "permanent", pending.ValidityDays == nil)
	ks.rebuild(ctx, identity, alias)
	return pending.ValidityDays == nil, nil
}

// RevokeAll deletes every active key record for the identity, plus its
// whitelist grant. Leaving the grant in place would just have the next
// refresh re-materialize the linked key.
func (ks *Keysmith) RevokeAll(ctx context.Context, identity, alias string) (int, error) {
	if !ks.limits.Begin(identity, OpRevoke) {
		return 0, keysmith_errors.ErrOperationInProgress
	}
	defer ks.limits.End(identity, OpRevoke)

	keys, err := ks.refresh(ctx, identity, alias, false)
	if err != nil {
		return 0, err
	}
	ops := make([]docstore.Op, 0, len(keys)+1)
	for _, token := range keys {
		ops = append(ops, docstore.Delete(ColKeys, token))
	}
	ops = append(ops, docstore.Delete(ColWhitelist, identity))
	if _, err := ks.exec.Submit(ctx, ops); err != nil {
		OpResults.WithLabelValues("revoke", "error").Inc()
		return 0, err
	}
	OpResults.WithLabelValues("revoke", "ok").Inc()
	ks.log.InfoCtx(ctx, "keys revoked", "identity", identity, "count", len(keys))
	ks.rebuild(ctx, identity, alias)
	return len(keys), nil
}

// SetDeviceLimit updates the device ceiling on every active key of the
// identity and returns how many records changed.
func (ks *Keysmith) SetDeviceLimit(ctx context.Context, identity, alias string, limit int64) (int, error) {
	if limit <= 0 {
		return 0, fmt.Errorf("device limit must be positive, got %d", limit)
	}
	keys, err := ks.refresh(ctx, identity, alias, false)
	if err != nil {
		return 0, err
	}
	ops := make([]docstore.Op, 0, len(keys))
	for _, token := range keys {
		ops = append(ops, docstore.Update(ColKeys, token, map[string]any{"deviceLimit": limit}))
	}
	if _, err := ks.exec.Submit(ctx, ops); err != nil {
		return 0, err
	}
	ks.rebuild(ctx, identity, alias)
	return len(keys), nil
}

// ResetDevice clears the device binding of one key.
func (ks *Keysmith) ResetDevice(ctx context.Context, token string) error {
	if !keycode.Validate(token) {
		return keysmith_errors.ErrInvalidKeyFormat
	}
	if _, err := ks.store.Get(ctx, ColKeys, token); err != nil {
		if errors.Is(err, keysmith_errors.ErrDocMissing) {
			return keysmith_errors.ErrKeyNotFound
		}
		return err
	}
	_, err := ks.exec.Submit(ctx, []docstore.Op{
		docstore.Update(ColKeys, token, map[string]any{"device": nil, "boundAt": nil}),
	})
	return err
}

// BindDevice binds a device fingerprint to a key: first caller wins, the
// same device keeps working, anything else is rejected.
func (ks *Keysmith) BindDevice(ctx context.Context, token, rawDevice string) error {
	if !keycode.Validate(token) {
		return keysmith_errors.ErrInvalidKeyFormat
	}
	kdoc, err := ks.store.Get(ctx, ColKeys, token)
	if errors.Is(err, keysmith_errors.ErrDocMissing) {
		return keysmith_errors.ErrKeyNotFound
	}
	if err != nil {
		return err
	}
	var rec KeyRecord
	if err := kdoc.Decode(&rec); err != nil {
		return err
	}
	fp := keycode.Fingerprint(rawDevice)
	if rec.Device == fp {
		return nil
	}
	if rec.Device != "" {
		return keysmith_errors.ErrDeviceMismatch
	}
	_, err = ks.exec.Submit(ctx, []docstore.Op{
		docstore.Update(ColKeys, token, map[string]any{
			"device":  fp,
			"boundAt": time.Now().UnixMilli(),
		}),
	})
	return err
}

// WhitelistAdd grants the identity a permanent whitelist key. Idempotent:
// an existing grant just returns its linked key.
func (ks *Keysmith) WhitelistAdd(ctx context.Context, identity, alias, grantedBy string) (string, error) {
	if gdoc, err := ks.store.Get(ctx, ColWhitelist, identity); err == nil {
		var grant WhitelistGrant
		if derr := gdoc.Decode(&grant); derr != nil {
			return "", derr
		}
		return grant.LinkedKey, nil
	} else if !errors.Is(err, keysmith_errors.ErrDocMissing) {
		return "", err
	}

	token := keycode.Generate()
	now := time.Now().UnixMilli()
	rec := KeyRecord{
		Owner:       identity,
		Alias:       alias,
		DeviceLimit: ks.opts.DeviceLimit,
		CreatedAt:   now,
		Whitelist:   true,
	}
	grant := WhitelistGrant{
		Owner:     identity,
		Alias:     alias,
		LinkedKey: token,
		GrantedBy: grantedBy,
		GrantedAt: now,
	}
	_, err := ks.exec.Submit(ctx, []docstore.Op{
		docstore.Create(ColKeys, token, rec.Fields()),
		docstore.Create(ColWhitelist, identity, grant.Fields()),
	})
	if err != nil {
		return "", err
	}
	ks.log.InfoCtx(ctx, "whitelist granted", "identity", identity, "by", grantedBy)
	ks.rebuild(ctx, identity, alias)
	return token, nil
}

// WhitelistRemove deletes the grant and its linked key.
func (ks *Keysmith) WhitelistRemove(ctx context.Context, identity, alias string) error {
	gdoc, err := ks.store.Get(ctx, ColWhitelist, identity)
	if errors.Is(err, keysmith_errors.ErrDocMissing) {
		return nil
	}
	if err != nil {
		return err
	}
	var grant WhitelistGrant
	if err := gdoc.Decode(&grant); err != nil {
		return err
	}
	ops := []docstore.Op{docstore.Delete(ColWhitelist, identity)}
	if grant.LinkedKey != "" {
		ops = append(ops, docstore.Delete(ColKeys, grant.LinkedKey))
	}
	if _, err := ks.exec.Submit(ctx, ops); err != nil {
		return err
	}
	ks.rebuild(ctx, identity, alias)
	return nil
}

// DenylistAdd blocks future redemptions for the identity and revokes its
// existing keys. The revocation is an explicit side effect of this
// operation, not something the denylist entry does on its own.
func (ks *Keysmith) DenylistAdd(ctx context.Context, identity, alias, reason, addedBy string) (int, error) {
	entry := DenylistEntry{
		Owner:   identity,
		Alias:   alias,
		Reason:  reason,
		AddedBy: addedBy,
		AddedAt: time.Now().UnixMilli(),
	}
	_, err := ks.exec.Submit(ctx, []docstore.Op{
		docstore.Update(ColDenylist, identity, entry.Fields()),
	})
	if err != nil {
		return 0, err
	}
	revoked, err := ks.RevokeAll(ctx, identity, alias)
	if err != nil {
		return 0, err
	}
	ks.log.InfoCtx(ctx, "identity denylisted", "identity", identity, "revoked", revoked, "by", addedBy)
	return revoked, nil
}

// DenylistRemove lifts the block. Keys revoked on the way in stay revoked.
func (ks *Keysmith) DenylistRemove(ctx context.Context, identity string) error {
	_, err := ks.exec.Submit(ctx, []docstore.Op{
		docstore.Delete(ColDenylist, identity),
	})
	return err
}

// CollectionStats counts documents across all collections.
func (ks *Keysmith) CollectionStats(ctx context.Context) (Stats, error) {
	var stats Stats
	var err error
	if stats.ActiveKeys, err = ks.store.Count(ctx, ColKeys); err != nil {
		return stats, err
	}
	if stats.PendingKeys, err = ks.store.Count(ctx, ColPending); err != nil {
		return stats, err
	}
	if stats.Whitelisted, err = ks.store.Count(ctx, ColWhitelist); err != nil {
		return stats, err
	}
	if stats.Denylisted, err = ks.store.Count(ctx, ColDenylist); err != nil {
		return stats, err
	}
	return stats, nil
}

// rebuild force-refreshes the cache after a write. The write already
// succeeded, so a refresh failure is logged, not surfaced.
func (ks *Keysmith) rebuild(ctx context.Context, identity, alias string) {
	ks.cache.Delete(identity)
	if _, err := ks.refresh(ctx, identity, alias, false); err != nil {
		ks.log.WarnCtx(ctx, "post-write refresh failed", "identity", identity, "error", err)
	}
}
