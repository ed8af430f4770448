package keysmith

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorahub/keysmith/docstore"
	"github.com/vorahub/keysmith/keycode"
	"github.com/vorahub/keysmith/keysmith_errors"
)

func TestIssueKeys(t *testing.T) {
	ks, store := newTestService(t, Options{})
	ctx := context.Background()

	keys, err := ks.IssueKeys(ctx, 5, nil, "admin")
	require.NoError(t, err)
	require.Len(t, keys, 5)
	for _, token := range keys {
		assert.True(t, keycode.Validate(token))
		doc, err := store.Inner.Get(ctx, ColPending, token)
		require.NoError(t, err)
		var pending PendingKey
		require.NoError(t, doc.Decode(&pending))
		assert.Equal(t, "admin", pending.IssuedBy)
		assert.Nil(t, pending.ValidityDays)
		assert.NotEmpty(t, pending.Batch)
	}

	n, err := store.Inner.Count(ctx, ColPending)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}

func TestIssueKeysZeroCount(t *testing.T) {
	ks, store := newTestService(t, Options{})

	keys, err := ks.IssueKeys(context.Background(), 0, nil, "admin")
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.EqualValues(t, 0, store.Applies.Load())
}

func TestEndToEndLifecycle(t *testing.T) {
	ks, store := newTestService(t, Options{})
	ctx := context.Background()

	issued, err := ks.IssueKeys(ctx, 1, nil, "admin")
	require.NoError(t, err)
	token := issued[0]

	permanent, err := ks.Redeem(ctx, "u1", "alias1", token)
	require.NoError(t, err)
	assert.True(t, permanent)

	// pending record consumed exactly once
	_, err = store.Inner.Get(ctx, ColPending, token)
	assert.ErrorIs(t, err, keysmith_errors.ErrDocMissing)

	keys, err := ks.ActiveKeys(ctx, "u1", "alias1", false)
	require.NoError(t, err)
	assert.Equal(t, []string{token}, keys)

	revoked, err := ks.DenylistAdd(ctx, "u1", "alias1", "abuse", "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, revoked)

	keys, err = ks.ActiveKeys(ctx, "u1", "alias1", false)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = store.Inner.Get(ctx, ColKeys, token)
	assert.ErrorIs(t, err, keysmith_errors.ErrDocMissing)

	// denylisted identities cannot redeem again
	more, err := ks.IssueKeys(ctx, 1, nil, "admin")
	require.NoError(t, err)
	_, err = ks.Redeem(ctx, "u1", "alias1", more[0])
	assert.ErrorIs(t, err, keysmith_errors.ErrIdentityDenylisted)
}

func TestRedeemWithValidity(t *testing.T) {
	ks, store := newTestService(t, Options{})
	ctx := context.Background()

	days := int64(30)
	issued, err := ks.IssueKeys(ctx, 1, &days, "admin")
	require.NoError(t, err)

	permanent, err := ks.Redeem(ctx, "u1", "alias1", issued[0])
	require.NoError(t, err)
	assert.False(t, permanent)

	doc, err := store.Inner.Get(ctx, ColKeys, issued[0])
	require.NoError(t, err)
	var rec KeyRecord
	require.NoError(t, doc.Decode(&rec))
	require.NotNil(t, rec.ExpiresAt)
	assert.Greater(t, *rec.ExpiresAt, time.Now().UnixMilli())
	assert.Equal(t, "u1", rec.Owner)
	assert.Equal(t, "alias1", rec.Alias)
}

func TestRedeemInvalidFormatNoIO(t *testing.T) {
	ks, store := newTestService(t, Options{})

	_, err := ks.Redeem(context.Background(), "u1", "alias1", "not-a-key")
	assert.ErrorIs(t, err, keysmith_errors.ErrInvalidKeyFormat)
	assert.EqualValues(t, 0, store.RoundTrips(), "lexical rejection must not touch the store")
}

func TestRedeemNotFoundSetsCooldown(t *testing.T) {
	ks, _ := newTestService(t, Options{RedeemCooldown: time.Minute})
	ctx := context.Background()

	_, err := ks.Redeem(ctx, "u1", "alias1", "VORAHUB-ABCDEF-123456-789012")
	assert.ErrorIs(t, err, keysmith_errors.ErrKeyNotFound)

	// the failed attempt armed the cooldown
	_, err = ks.Redeem(ctx, "u1", "alias1", "VORAHUB-ABCDEF-123456-789012")
	assert.ErrorIs(t, err, keysmith_errors.ErrCooldownActive)
}

func TestRedeemAlreadyBound(t *testing.T) {
	ks, store := newTestService(t, Options{})
	ctx := context.Background()

	token := "VORAHUB-ABCDEF-123456-789012"
	seed(t, store, docstore.Create(ColKeys, token, map[string]any{
		"owner": "u1", "alias": "FirstUser",
	}))

	_, err := ks.Redeem(ctx, "u2", "alias2", token)
	assert.ErrorIs(t, err, keysmith_errors.ErrKeyAlreadyBound)
	// the holder's display label leaks, the raw identity does not
	assert.Contains(t, err.Error(), "FirstUser")
	assert.NotContains(t, err.Error(), "u1")
}

func TestRedeemAlreadyBoundUndecodableRecord(t *testing.T) {
	ks, store := newTestService(t, Options{})
	ctx := context.Background()

	// alias of the wrong type makes the record undecodable; the rejection
	// must not dress the error up with a bogus holder label
	token := "VORAHUB-ABCDEF-123456-789012"
	seed(t, store, docstore.Create(ColKeys, token, map[string]any{
		"alias": int64(7),
	}))

	_, err := ks.Redeem(ctx, "u2", "alias2", token)
	assert.ErrorIs(t, err, keysmith_errors.ErrKeyAlreadyBound)
	assert.NotContains(t, err.Error(), "held by")
}

func TestRedeemSingleFlight(t *testing.T) {
	ks, _ := newTestService(t, Options{})
	ctx := context.Background()

	issued, err := ks.IssueKeys(ctx, 1, nil, "admin")
	require.NoError(t, err)

	require.True(t, ks.Limiter().Begin("u1", OpRedeem))
	_, err = ks.Redeem(ctx, "u1", "alias1", issued[0])
	assert.ErrorIs(t, err, keysmith_errors.ErrOperationInProgress)

	ks.Limiter().End("u1", OpRedeem)
	_, err = ks.Redeem(ctx, "u1", "alias1", issued[0])
	assert.NoError(t, err)
}

func TestRevokeAllNothingToDo(t *testing.T) {
	ks, _ := newTestService(t, Options{})

	count, err := ks.RevokeAll(context.Background(), "u1", "alias1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestWhitelistLifecycle(t *testing.T) {
	ks, store := newTestService(t, Options{})
	ctx := context.Background()

	token, err := ks.WhitelistAdd(ctx, "u1", "alias1", "admin")
	require.NoError(t, err)
	assert.True(t, keycode.Validate(token))

	keys, err := ks.ActiveKeys(ctx, "u1", "alias1", false)
	require.NoError(t, err)
	assert.Equal(t, []string{token}, keys)

	// idempotent: a second grant returns the existing key
	again, err := ks.WhitelistAdd(ctx, "u1", "alias1", "admin")
	require.NoError(t, err)
	assert.Equal(t, token, again)

	require.NoError(t, ks.WhitelistRemove(ctx, "u1", "alias1"))
	keys, err = ks.ActiveKeys(ctx, "u1", "alias1", true)
	require.NoError(t, err)
	assert.Empty(t, keys)
	_, err = store.Inner.Get(ctx, ColKeys, token)
	assert.ErrorIs(t, err, keysmith_errors.ErrDocMissing)
}

func TestRevokeAllremovesWhitelistGrant(t *testing.T) {
	ks, store := newTestService(t, Options{})
	ctx := context.Background()

	_, err := ks.WhitelistAdd(ctx, "u1", "alias1", "admin")
	require.NoError(t, err)

	count, err := ks.RevokeAll(ctx, "u1", "alias1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// without grant removal the next refresh would re-materialize the key
	keys, err := ks.ActiveKeys(ctx, "u1", "alias1", true)
	require.NoError(t, err)
	assert.Empty(t, keys)
	_, err = store.Inner.Get(ctx, ColWhitelist, "u1")
	assert.ErrorIs(t, err, keysmith_errors.ErrDocMissing)
}

func TestDeviceBinding(t *testing.T) {
	ks, store := newTestService(t, Options{})
	ctx := context.Background()

	issued, err := ks.IssueKeys(ctx, 1, nil, "admin")
	require.NoError(t, err)
	token := issued[0]
	_, err = ks.Redeem(ctx, "u1", "alias1", token)
	require.NoError(t, err)

	require.NoError(t, ks.BindDevice(ctx, token, "host-1/aa:bb"))
	// same device keeps working
	require.NoError(t, ks.BindDevice(ctx, token, "host-1/aa:bb"))
	// another device is rejected
	assert.ErrorIs(t, ks.BindDevice(ctx, token, "host-2/cc:dd"), keysmith_errors.ErrDeviceMismatch)

	doc, err := store.Inner.Get(ctx, ColKeys, token)
	require.NoError(t, err)
	var rec KeyRecord
	require.NoError(t, doc.Decode(&rec))
	assert.Equal(t, keycode.Fingerprint("host-1/aa:bb"), rec.Device)
	assert.NotNil(t, rec.BoundAt)

	require.NoError(t, ks.ResetDevice(ctx, token))
	require.NoError(t, ks.BindDevice(ctx, token, "host-2/cc:dd"))
}

func TestBindDeviceUnknownKey(t *testing.T) {
	ks, _ := newTestService(t, Options{})

	err := ks.BindDevice(context.Background(), "VORAHUB-ABCDEF-123456-789012", "host-1")
	assert.ErrorIs(t, err, keysmith_errors.ErrKeyNotFound)
}

func TestSetDeviceLimit(t *testing.T) {
	ks, store := newTestService(t, Options{})
	ctx := context.Background()

	issued, err := ks.IssueKeys(ctx, 2, nil, "admin")
	require.NoError(t, err)
	for _, token := range issued {
		_, err = ks.Redeem(ctx, "u1", "alias1", token)
		require.NoError(t, err)
	}

	count, err := ks.SetDeviceLimit(ctx, "u1", "alias1", 5)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, token := range issued {
		doc, err := store.Inner.Get(ctx, ColKeys, token)
		require.NoError(t, err)
		var rec KeyRecord
		require.NoError(t, doc.Decode(&rec))
		assert.EqualValues(t, 5, rec.DeviceLimit)
	}

	_, err = ks.SetDeviceLimit(ctx, "u1", "alias1", 0)
	assert.Error(t, err)
}

func TestDenylistRemove(t *testing.T) {
	ks, _ := newTestService(t, Options{RedeemCooldown: time.Millisecond})
	ctx := context.Background()

	_, err := ks.DenylistAdd(ctx, "u1", "alias1", "abuse", "admin")
	require.NoError(t, err)
	require.NoError(t, ks.DenylistRemove(ctx, "u1"))

	issued, err := ks.IssueKeys(ctx, 1, nil, "admin")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = ks.Redeem(ctx, "u1", "alias1", issued[0])
	assert.NoError(t, err, "redemption works again once the denylist entry is gone")
}

func TestCollectionStats(t *testing.T) {
	ks, _ := newTestService(t, Options{})
	ctx := context.Background()

	issued, err := ks.IssueKeys(ctx, 3, nil, "admin")
	require.NoError(t, err)
	_, err = ks.Redeem(ctx, "u1", "alias1", issued[0])
	require.NoError(t, err)
	_, err = ks.WhitelistAdd(ctx, "u2", "alias2", "admin")
	require.NoError(t, err)
	_, err = ks.DenylistAdd(ctx, "u3", "alias3", "abuse", "admin")
	require.NoError(t, err)

	stats, err := ks.CollectionStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.ActiveKeys) // redeemed + whitelist key
	assert.EqualValues(t, 2, stats.PendingKeys)
	assert.EqualValues(t, 1, stats.Whitelisted)
	assert.EqualValues(t, 1, stats.Denylisted)
}
