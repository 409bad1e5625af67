package sigcodec

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// derSignature builds a minimal ASN.1 SEQUENCE{INTEGER, INTEGER} envelope
// from raw integer contents. Lengths stay below 128 so single-byte length
// encoding suffices.
func derSignature(t *testing.T, r, s []byte) []byte {
	t.Helper()
	body := []byte{0x02, byte(len(r))}
	body = append(body, r...)
	body = append(body, 0x02, byte(len(s)))
	body = append(body, s...)
	out := []byte{0x30, byte(len(body))}
	return append(out, body...)
}

func TestParseSignatureEnvelope(t *testing.T) {
	r := bytes.Repeat([]byte{0x11}, 32)
	s := bytes.Repeat([]byte{0x22}, 32)
	der := derSignature(t, r, s)

	gotR, gotS, err := ParseSignatureEnvelope(der)
	require.NoError(t, err)
	assert.Equal(t, r, gotR)
	assert.Equal(t, s, gotS)
}

func TestParseSignatureEnvelope_Malformed(t *testing.T) {
	tests := []struct {
		name string
		der  []byte
	}{
		{"empty", nil},
		{"not a sequence", []byte{0x02, 0x01, 0x05}},
		{"truncated", derSignature(t, []byte{0x01}, []byte{0x02})[:4]},
		{"trailing bytes", append(derSignature(t, []byte{0x01}, []byte{0x02}), 0xff)},
		{"single integer", []byte{0x30, 0x03, 0x02, 0x01, 0x05}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseSignatureEnvelope(tt.der)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSignature)
		})
	}
}

func TestNormalizeComponent_StripsDERPadding(t *testing.T) {
	// r carries the DER sign-disambiguation byte: 0x00 followed by a
	// high-bit byte. Exactly one byte must be stripped.
	padded := append([]byte{0x00, 0x80}, bytes.Repeat([]byte{0x11}, 31)...)
	require.Len(t, padded, 33)

	got, err := normalizeComponent(padded)
	require.NoError(t, err)
	assert.Equal(t, padded[1:], got[:])
}

func TestNormalizeComponent_KeepsGenuineZero(t *testing.T) {
	// A zero followed by a low-bit byte is a genuinely short value, not a
	// DER artifact; it stays intact (left-padded into the word).
	short := []byte{0x00, 0x7f, 0x33}

	got, err := normalizeComponent(short)
	require.NoError(t, err)

	var want [32]byte
	copy(want[32-len(short):], short)
	assert.Equal(t, want, got)
}

func TestNormalizeComponent_Unchanged(t *testing.T) {
	plain := bytes.Repeat([]byte{0x22}, 32)
	got, err := normalizeComponent(plain)
	require.NoError(t, err)
	assert.Equal(t, plain, got[:])
}

func TestNormalizeComponent_TooLong(t *testing.T) {
	// 0x00 + 33 high-bit bytes: stripping one still leaves 33
	long := append([]byte{0x00}, bytes.Repeat([]byte{0x81}, 33)...)
	_, err := normalizeComponent(long)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestDecodeSignatureComponents(t *testing.T) {
	// r needs padding stripped, s does not
	rPadded := append([]byte{0x00, 0xab}, bytes.Repeat([]byte{0x11}, 31)...)
	sPlain := bytes.Repeat([]byte{0x22}, 32)
	der := derSignature(t, rPadded, sPlain)

	r, s, err := DecodeSignatureComponents(der)
	require.NoError(t, err)
	assert.Equal(t, rPadded[1:], r[:])
	assert.Equal(t, sPlain, s[:])
}

func TestDecodeCredentialPublicKey(t *testing.T) {
	x := bytes.Repeat([]byte{0xaa}, 32)
	y := bytes.Repeat([]byte{0xbb}, 32)
	coseBytes, err := cbor.Marshal(coseKey{Kty: coseKtyEC2, Alg: -7, Crv: coseCrvP256, X: x, Y: y})
	require.NoError(t, err)

	gotX, gotY, err := DecodeCredentialPublicKey(coseBytes)
	require.NoError(t, err)
	assert.Equal(t, x, gotX.Bytes())
	assert.Equal(t, y, gotY.Bytes())
}

func TestDecodeCredentialPublicKey_Malformed(t *testing.T) {
	x := bytes.Repeat([]byte{0xaa}, 32)
	y := bytes.Repeat([]byte{0xbb}, 32)

	wrongKty, err := cbor.Marshal(coseKey{Kty: 1, Crv: coseCrvP256, X: x, Y: y})
	require.NoError(t, err)
	wrongCrv, err := cbor.Marshal(coseKey{Kty: coseKtyEC2, Crv: 2, X: x, Y: y})
	require.NoError(t, err)
	shortX, err := cbor.Marshal(coseKey{Kty: coseKtyEC2, Crv: coseCrvP256, X: x[:16], Y: y})
	require.NoError(t, err)

	tests := []struct {
		name string
		cose []byte
	}{
		{"empty", nil},
		{"not cbor", []byte{0xff, 0xfe}},
		{"wrong key type", wrongKty},
		{"wrong curve", wrongCrv},
		{"short coordinate", shortX},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeCredentialPublicKey(tt.cose)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPublicKey)
		})
	}
}

func TestComposite_RoundTrip(t *testing.T) {
	authData := bytes.Repeat([]byte{0x01}, 37)
	clientData := []byte(`{"type":"webauthn.get","challenge":"abc"}`)
	var r, s [32]byte
	copy(r[:], bytes.Repeat([]byte{0x11}, 32))
	copy(s[:], bytes.Repeat([]byte{0x22}, 32))

	blob, err := AssembleComposite(authData, clientData, r, s)
	require.NoError(t, err)

	gotAuth, gotClient, gotR, gotS, err := ParseComposite(blob)
	require.NoError(t, err)
	assert.Equal(t, authData, gotAuth)
	assert.Equal(t, clientData, gotClient)
	assert.Equal(t, r, gotR)
	assert.Equal(t, s, gotS)
}

func TestFull_RoundTrip(t *testing.T) {
	composite := bytes.Repeat([]byte{0x07}, 96)

	t.Run("with verifier", func(t *testing.T) {
		verifier := common.HexToAddress("0x4444444444444444444444444444444444444444")
		hookData := [][]byte{{0x01, 0x02}, {0x03}}

		blob, err := AssembleFull(composite, verifier, hookData)
		require.NoError(t, err)

		gotComposite, gotVerifier, gotHooks, err := ParseFull(blob)
		require.NoError(t, err)
		assert.Equal(t, composite, gotComposite)
		assert.Equal(t, verifier, gotVerifier)
		assert.Equal(t, hookData, gotHooks)
	})

	t.Run("without verifier", func(t *testing.T) {
		blob, err := AssembleFull(composite, common.Address{}, nil)
		require.NoError(t, err)

		gotComposite, gotVerifier, gotHooks, err := ParseFull(blob)
		require.NoError(t, err)
		assert.Equal(t, composite, gotComposite)
		assert.Equal(t, common.Address{}, gotVerifier)
		assert.Empty(t, gotHooks)
	})
}

func TestAssemble_RejectsEmptyInput(t *testing.T) {
	var r, s [32]byte
	_, err := AssembleComposite(nil, []byte("{}"), r, s)
	require.Error(t, err)

	_, err = AssembleComposite([]byte{0x01}, nil, r, s)
	require.Error(t, err)

	_, err = AssembleFull(nil, common.Address{}, nil)
	require.Error(t, err)
}

func TestParseComposite_Malformed(t *testing.T) {
	_, _, _, _, err := ParseComposite([]byte{0x01, 0x02})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
