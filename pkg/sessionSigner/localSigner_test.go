package sessionSigner

import (
	"context"
	"testing"

	"github.com/Latchkey-Labs/latchkey-go/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSigner_SignDigest(t *testing.T) {
	signer, err := NewLocalSigner(logger.NewNopLogger())
	require.NoError(t, err)

	digest := crypto.Keccak256Hash([]byte("request payload"))

	signature, err := signer.SignDigest(context.Background(), digest)
	require.NoError(t, err)
	require.Len(t, signature, 65)
	assert.LessOrEqual(t, signature[64], byte(1), "recovery id must stay in the 0/1 range")

	// the session key must be recoverable from the signature
	recovered, err := crypto.SigToPub(digest[:], signature)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), crypto.PubkeyToAddress(*recovered))
}

func TestLocalSigner_FromHex(t *testing.T) {
	// well-known anvil dev key
	const keyHex = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

	signer, err := NewLocalSignerFromHex(keyHex, logger.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), signer.Address())

	// with and without 0x prefix
	unprefixed, err := NewLocalSignerFromHex(keyHex[2:], logger.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), unprefixed.Address())
}

func TestLocalSigner_FromHex_Invalid(t *testing.T) {
	_, err := NewLocalSignerFromHex("not-a-key", logger.NewNopLogger())
	require.Error(t, err)
}

func TestLocalSigner_FreshKeysDiffer(t *testing.T) {
	a, err := NewLocalSigner(logger.NewNopLogger())
	require.NoError(t, err)
	b, err := NewLocalSigner(logger.NewNopLogger())
	require.NoError(t, err)
	assert.NotEqual(t, a.Address(), b.Address())
}
