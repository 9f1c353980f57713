package keystore

import (
	"context"
	"fmt"

	"gocloud.dev/secrets"
	_ "gocloud.dev/secrets/gcpkms"
	_ "gocloud.dev/secrets/localsecrets"
)

// OpenSealer opens the secrets keeper that seals key seeds at rest.
// Supported schemes are base64key:// for a locally held key and
// gcpkms:// for Cloud KMS.
func OpenSealer(ctx context.Context, url string) (*secrets.Keeper, error) {
	keeper, err := secrets.OpenKeeper(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("keystore: open sealing keeper: %w", err)
	}
	return keeper, nil
}
