package sessionSigner

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// LocalSigner holds a secp256k1 session key in process memory. This is the
// default backend: session keys are ephemeral and policy-bounded by
// construction, so in-memory custody is acceptable where root-key custody
// would not be.
type LocalSigner struct {
	logger     *zap.Logger
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewLocalSigner generates a fresh session key.
func NewLocalSigner(logger *zap.Logger) (*LocalSigner, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	return newLocalSigner(privateKey, logger), nil
}

// NewLocalSignerFromHex loads a session key from a hex-encoded private key.
// The hex string can optionally start with "0x".
func NewLocalSignerFromHex(privateKeyHex string, logger *zap.Logger) (*LocalSigner, error) {
	if len(privateKeyHex) >= 2 && privateKeyHex[:2] == "0x" {
		privateKeyHex = privateKeyHex[2:]
	}
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session key from hex: %w", err)
	}
	return newLocalSigner(privateKey, logger), nil
}

func newLocalSigner(privateKey *ecdsa.PrivateKey, logger *zap.Logger) *LocalSigner {
	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	logger.Sugar().Debugw("Session key ready", "address", address.Hex())
	return &LocalSigner{
		logger:     logger,
		privateKey: privateKey,
		address:    address,
	}
}

func (l *LocalSigner) Address() common.Address {
	return l.address
}

func (l *LocalSigner) PublicKey() *ecdsa.PublicKey {
	return &l.privateKey.PublicKey
}

// SignDigest signs the digest and returns the 65-byte (r || s || v)
// signature with v in the 0/1 range.
func (l *LocalSigner) SignDigest(ctx context.Context, digest [32]byte) ([]byte, error) {
	signature, err := crypto.Sign(digest[:], l.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest with session key %s: %w", l.address.Hex(), err)
	}
	return signature, nil
}
