package keysmith

import "time"

// Store collections. Document ids: key token for keys and generated_keys,
// user identity for whitelist and blacklist.
const (
	ColKeys      = "keys"
	ColPending   = "generated_keys"
	ColWhitelist = "whitelist"
	ColDenylist  = "blacklist"
)

// Indexes declares the secondary indexes the store needs for key
// reconciliation lookups.
func Indexes() map[string][]string {
	return map[string][]string{
		ColKeys: {"owner", "alias"},
	}
}

// KeyRecord is a bound (or whitelist-granted) license key. Timestamps are
// epoch milliseconds; nil ExpiresAt means permanent.
type KeyRecord struct {
	Owner       string `cbor:"owner,omitempty"`
	Alias       string `cbor:"alias,omitempty"`
	Device      string `cbor:"device,omitempty"`
	DeviceLimit int64  `cbor:"deviceLimit,omitempty"`
	BoundAt     *int64 `cbor:"boundAt,omitempty"`
	CreatedAt   int64  `cbor:"createdAt,omitempty"`
	ExpiresAt   *int64 `cbor:"expiresAt,omitempty"`
	Whitelist   bool   `cbor:"whitelist,omitempty"`
}

// Expired classifies the record against now. Whitelist-origin keys never
// expire, whatever ExpiresAt says.
func (r *KeyRecord) Expired(now time.Time) bool {
	if r.Whitelist || r.ExpiresAt == nil {
		return false
	}
	return *r.ExpiresAt <= now.UnixMilli()
}

func (r *KeyRecord) Fields() map[string]any {
	f := map[string]any{
		"createdAt": r.CreatedAt,
	}
	if r.Owner != "" {
		f["owner"] = r.Owner
	}
	if r.Alias != "" {
		f["alias"] = r.Alias
	}
	if r.Device != "" {
		f["device"] = r.Device
	}
	if r.DeviceLimit > 0 {
		f["deviceLimit"] = r.DeviceLimit
	}
	if r.BoundAt != nil {
		f["boundAt"] = *r.BoundAt
	}
	if r.ExpiresAt != nil {
		f["expiresAt"] = *r.ExpiresAt
	}
	if r.Whitelist {
		f["whitelist"] = true
	}
	return f
}

// PendingKey is an issued-but-unredeemed key. It is consumed exactly once:
// redemption deletes it and creates the KeyRecord in the same transaction.
type PendingKey struct {
	IssuedBy     string `cbor:"issuedBy,omitempty"`
	IssuedAt     int64  `cbor:"issuedAt,omitempty"`
	ValidityDays *int64 `cbor:"validityDays,omitempty"`
	Batch        string `cbor:"batch,omitempty"`
}

func (p *PendingKey) Fields() map[string]any {
	f := map[string]any{
		"issuedBy": p.IssuedBy,
		"issuedAt": p.IssuedAt,
		"batch":    p.Batch,
	}
	if p.ValidityDays != nil {
		f["validityDays"] = *p.ValidityDays
	}
	return f
}

// WhitelistGrant links an identity to its permanent whitelist key. The
// reconciliation engine repairs a grant whose LinkedKey record is missing
// or mislabeled instead of failing.
type WhitelistGrant struct {
	Owner     string `cbor:"owner,omitempty"`
	Alias     string `cbor:"alias,omitempty"`
	LinkedKey string `cbor:"linkedKey,omitempty"`
	GrantedBy string `cbor:"grantedBy,omitempty"`
	GrantedAt int64  `cbor:"grantedAt,omitempty"`
}

func (g *WhitelistGrant) Fields() map[string]any {
	return map[string]any{
		"owner":     g.Owner,
		"alias":     g.Alias,
		"linkedKey": g.LinkedKey,
		"grantedBy": g.GrantedBy,
		"grantedAt": g.GrantedAt,
	}
}

// DenylistEntry blocks redemption for an identity by its mere presence.
type DenylistEntry struct {
	Owner   string `cbor:"owner,omitempty"`
	Alias   string `cbor:"alias,omitempty"`
	Reason  string `cbor:"reason,omitempty"`
	AddedBy string `cbor:"addedBy,omitempty"`
	AddedAt int64  `cbor:"addedAt,omitempty"`
}

func (d *DenylistEntry) Fields() map[string]any {
	return map[string]any{
		"owner":   d.Owner,
		"alias":   d.Alias,
		"reason":  d.Reason,
		"addedBy": d.AddedBy,
		"addedAt": d.AddedAt,
	}
}

// Stats is a per-collection document count snapshot.
type Stats struct {
	ActiveKeys  int64
	PendingKeys int64
	Whitelisted int64
	Denylisted  int64
}
