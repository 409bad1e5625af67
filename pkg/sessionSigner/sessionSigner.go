package sessionSigner

import (
	"context"
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
)

// ISessionSigner signs request digests under a session's delegated key.
// The signature is the raw 65-byte (r || s || v) form with the recovery id
// in the 0/1 range, used as-is on the session-key path with no further
// wrapping.
type ISessionSigner interface {
	// Address returns the Ethereum address of the delegated key.
	Address() common.Address

	// PublicKey returns the delegated key's public key.
	PublicKey() *ecdsa.PublicKey

	// SignDigest signs a 32-byte request digest.
	SignDigest(ctx context.Context, digest [32]byte) ([]byte, error)
}
