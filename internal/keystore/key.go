// Package keystore holds the versioned signing keys of the trust root.
//
// A key is created pending, promoted to active (the previously active key
// becomes retiring with a retire-at deadline one grace window away), and
// swept to retired once the deadline passes, at which point its secret
// seed is purged. Exactly one key is active at a time. Tokens are only
// ever signed with the active key; both active and retiring keys verify.
package keystore

import (
	"crypto/ed25519"
	"errors"
	"strconv"
	"time"
)

// State is the lifecycle state of a key version.
type State string

const (
	StatePending  State = "pending"
	StateActive   State = "active"
	StateRetiring State = "retiring"
	StateRetired  State = "retired"
)

// SeedSize is the size of the random secret behind every key: 256 bits.
const SeedSize = ed25519.SeedSize

var (
	// ErrNoActiveKey means the store has no key to sign with. It is fatal
	// at startup.
	ErrNoActiveKey = errors.New("keystore: no active signing key")

	// ErrKeyNotFound covers unknown, retired and pending versions alike.
	ErrKeyNotFound = errors.New("keystore: key version not verifiable")

	// ErrNotPending is returned when promoting a version that is not pending.
	ErrNotPending = errors.New("keystore: key version is not pending")

	// ErrStoreUnavailable wraps persistence failures on read paths.
	ErrStoreUnavailable = errors.New("keystore: key storage unavailable")
)

// KeyVersion describes one signing key. It never carries secret
// material, so it is safe to log and to hand to verifiers.
type KeyVersion struct {
	Version   int64
	State     State
	CreatedAt time.Time
	RetireAt  *time.Time
	PublicKey ed25519.PublicKey
}

// KeyID is the value placed in a token's "kid" header.
func (k KeyVersion) KeyID() string {
	return strconv.FormatInt(k.Version, 10)
}

// SigningKey is the active key with its private half. It is handed only
// to the token issuer.
type SigningKey struct {
	Version    int64
	PrivateKey ed25519.PrivateKey
}

// KeyID is the value placed in a token's "kid" header.
func (k SigningKey) KeyID() string {
	return strconv.FormatInt(k.Version, 10)
}

// ParseKeyID converts a "kid" header back into a version.
func ParseKeyID(kid string) (int64, error) {
	version, err := strconv.ParseInt(kid, 10, 64)
	if err != nil || version <= 0 {
		return 0, ErrKeyNotFound
	}
	return version, nil
}

// Record is the persisted form of a key version. SealedSeed is the
// seed encrypted by a Sealer; repositories never see plaintext.
type Record struct {
	Version    int64
	State      State
	SealedSeed []byte
	PublicKey  []byte
	CreatedAt  time.Time
	RetireAt   *time.Time
}

func (r Record) keyVersion() KeyVersion {
	return KeyVersion{
		Version:   r.Version,
		State:     r.State,
		CreatedAt: r.CreatedAt,
		RetireAt:  r.RetireAt,
		PublicKey: ed25519.PublicKey(r.PublicKey),
	}
}
