package keystore

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// JWKSet returns the verification keys (active and retiring) as a JWK
// set. It contains public material only.
func (ks *KeyStore) JWKSet(ctx context.Context) (jwk.Set, error) {
	keys, err := ks.VerifiableKeys(ctx)
	if err != nil {
		return nil, err
	}

	set := jwk.NewSet()
	for _, k := range keys {
		key, err := PublicJWK(k)
		if err != nil {
			return nil, err
		}
		if err := set.AddKey(key); err != nil {
			return nil, fmt.Errorf("add key %d to set: %w", k.Version, err)
		}
	}
	return set, nil
}

// PublicJWK converts a key version to a JWK carrying kid, alg and use.
func PublicJWK(k KeyVersion) (jwk.Key, error) {
	key, err := jwk.FromRaw(k.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("convert key %d: %w", k.Version, err)
	}
	if err := key.Set(jwk.KeyIDKey, k.KeyID()); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.EdDSA); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, err
	}
	return key, nil
}
