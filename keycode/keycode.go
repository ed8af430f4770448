// Package keycode generates and validates opaque license key tokens.
//
// A token looks like VORAHUB-1A2B3C-4D5E6F-7A8B9C: a fixed product prefix
// followed by three groups of six uppercase hex characters, 72 bits of
// entropy total. Tokens are never checked against the store at generation
// time; the store's document-id uniqueness constraint is the backstop.
package keycode

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cespare/xxhash"
)

const (
	Prefix     = "VORAHUB"
	groupCount = 3
	groupLen   = 6
)

// Generate returns a fresh random token. It never fails in practice;
// a broken system entropy source is the only panic path.
func Generate() string {
	raw := make([]byte, groupCount*groupLen/2)
	if _, err := rand.Read(raw); err != nil {
		panic(err)
	}
	hexed := strings.ToUpper(hex.EncodeToString(raw))
	parts := make([]string, 0, groupCount+1)
	parts = append(parts, Prefix)
	for i := 0; i < groupCount; i++ {
		parts = append(parts, hexed[i*groupLen:(i+1)*groupLen])
	}
	return strings.Join(parts, "-")
}

// Validate is a pure lexical check: fixed prefix, fixed group count, fixed
// group length, uppercase hex alphabet. No I/O.
func Validate(token string) bool {
	parts := strings.Split(token, "-")
	if len(parts) != groupCount+1 || parts[0] != Prefix {
		return false
	}
	for _, group := range parts[1:] {
		if len(group) != groupLen {
			return false
		}
		for i := 0; i < len(group); i++ {
			c := group[i]
			if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
				return false
			}
		}
	}
	return true
}

// Fingerprint reduces a raw device descriptor (hostname, hardware ids,
// whatever the client sends) to a stable fixed-width token.
func Fingerprint(raw string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(raw))
}
