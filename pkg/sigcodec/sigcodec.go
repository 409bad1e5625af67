package sigcodec

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Decoding errors. Malformed input always fails with one of these wrapped;
// the codec never substitutes a default or partial result.
var (
	ErrInvalidPublicKey = errors.New("invalid credential public key")
	ErrInvalidSignature = errors.New("invalid signature envelope")
)

// coseKey is a WebAuthn credential public key in COSE_Key form. Keys are
// small integers per RFC 9052; negative labels hold the curve parameters.
type coseKey struct {
	Kty int    `cbor:"1,keyasint"`
	Alg int    `cbor:"3,keyasint,omitempty"`
	Crv int    `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint"`
}

const (
	coseKtyEC2  = 2
	coseCrvP256 = 1
)

// DecodeCredentialPublicKey decodes a hardware credential's public key from
// its compact COSE_Key CBOR form and returns the two P-256 curve
// coordinates.
func DecodeCredentialPublicKey(coseBytes []byte) (x, y *big.Int, err error) {
	if len(coseBytes) == 0 {
		return nil, nil, fmt.Errorf("%w: empty input", ErrInvalidPublicKey)
	}

	var key coseKey
	if err := cbor.Unmarshal(coseBytes, &key); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	if key.Kty != coseKtyEC2 {
		return nil, nil, fmt.Errorf("%w: key type %d is not EC2", ErrInvalidPublicKey, key.Kty)
	}
	if key.Crv != coseCrvP256 {
		return nil, nil, fmt.Errorf("%w: curve %d is not P-256", ErrInvalidPublicKey, key.Crv)
	}
	if len(key.X) != 32 || len(key.Y) != 32 {
		return nil, nil, fmt.Errorf("%w: coordinate lengths %d/%d, want 32/32", ErrInvalidPublicKey, len(key.X), len(key.Y))
	}

	return new(big.Int).SetBytes(key.X), new(big.Int).SetBytes(key.Y), nil
}

// ParseSignatureEnvelope parses the authenticator's ASN.1 DER signature
// envelope (SEQUENCE of two INTEGERs) and returns the raw r and s component
// bytes, sign-disambiguation padding included.
func ParseSignatureEnvelope(der []byte) (r, s []byte, err error) {
	input := cryptobyte.String(der)
	var inner cryptobyte.String
	if !input.ReadASN1(&inner, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return nil, nil, fmt.Errorf("%w: not an ASN.1 sequence", ErrInvalidSignature)
	}

	var rRaw, sRaw cryptobyte.String
	if !inner.ReadASN1(&rRaw, cryptobyte_asn1.INTEGER) ||
		!inner.ReadASN1(&sRaw, cryptobyte_asn1.INTEGER) ||
		!inner.Empty() {
		return nil, nil, fmt.Errorf("%w: expected two integers", ErrInvalidSignature)
	}
	if len(rRaw) == 0 || len(sRaw) == 0 {
		return nil, nil, fmt.Errorf("%w: empty integer component", ErrInvalidSignature)
	}

	return append([]byte{}, rRaw...), append([]byte{}, sRaw...), nil
}

// normalizeComponent strips the single leading zero byte DER adds to keep a
// high-bit integer positive. The zero is dropped only when the following
// byte's high bit is set, so genuinely short values stay intact. The result
// is left-padded into a 32-byte word.
func normalizeComponent(b []byte) ([32]byte, error) {
	var out [32]byte
	if len(b) == 0 {
		return out, fmt.Errorf("%w: empty integer component", ErrInvalidSignature)
	}
	if len(b) > 1 && b[0] == 0x00 && b[1]&0x80 != 0 {
		b = b[1:]
	}
	if len(b) > 32 {
		return out, fmt.Errorf("%w: integer component is %d bytes, max 32", ErrInvalidSignature, len(b))
	}
	copy(out[32-len(b):], b)
	return out, nil
}

// DecodeSignatureComponents parses a DER signature envelope and normalizes
// both components into 32-byte words ready for assembly.
func DecodeSignatureComponents(der []byte) (r, s [32]byte, err error) {
	rRaw, sRaw, err := ParseSignatureEnvelope(der)
	if err != nil {
		return r, s, err
	}
	if r, err = normalizeComponent(rRaw); err != nil {
		return r, s, err
	}
	if s, err = normalizeComponent(sRaw); err != nil {
		return r, s, err
	}
	return r, s, nil
}

var (
	compositeArgs abi.Arguments
	fullArgs      abi.Arguments
)

func init() {
	bytesTy, _ := abi.NewType("bytes", "", nil)
	bytes32x2Ty, _ := abi.NewType("bytes32[2]", "", nil)
	addressTy, _ := abi.NewType("address", "", nil)
	bytesArrTy, _ := abi.NewType("bytes[]", "", nil)

	// (authenticatorData, clientDataJSON, [r, s])
	compositeArgs = abi.Arguments{
		{Type: bytesTy},
		{Type: bytesTy},
		{Type: bytes32x2Ty},
	}
	// (compositeBlob, verifierAddress, verifierHookData)
	fullArgs = abi.Arguments{
		{Type: bytesTy},
		{Type: addressTy},
		{Type: bytesArrTy},
	}
}

// AssembleComposite encodes the authenticator output and the normalized
// signature components into the composite blob the verifier consumes.
func AssembleComposite(authenticatorData, clientDataJSON []byte, r, s [32]byte) ([]byte, error) {
	if len(authenticatorData) == 0 {
		return nil, fmt.Errorf("%w: empty authenticator data", ErrInvalidSignature)
	}
	if len(clientDataJSON) == 0 {
		return nil, fmt.Errorf("%w: empty client data", ErrInvalidSignature)
	}
	packed, err := compositeArgs.Pack(authenticatorData, clientDataJSON, [2][32]byte{r, s})
	if err != nil {
		return nil, fmt.Errorf("failed to assemble composite blob: %w", err)
	}
	return packed, nil
}

// ParseComposite is the inverse of AssembleComposite.
func ParseComposite(blob []byte) (authenticatorData, clientDataJSON []byte, r, s [32]byte, err error) {
	values, err := compositeArgs.Unpack(blob)
	if err != nil {
		return nil, nil, r, s, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	authenticatorData = *abi.ConvertType(values[0], new([]byte)).(*[]byte)
	clientDataJSON = *abi.ConvertType(values[1], new([]byte)).(*[]byte)
	rs := *abi.ConvertType(values[2], new([2][32]byte)).(*[2][32]byte)
	return authenticatorData, clientDataJSON, rs[0], rs[1], nil
}

// AssembleFull wraps a composite blob with optional secondary-verifier
// routing data. A zero verifier address and empty hook data mean the remote
// enforcer verifies the signature itself; a non-zero address asks it to
// delegate to that verifier, passing the hook data through.
func AssembleFull(composite []byte, verifier common.Address, hookData [][]byte) ([]byte, error) {
	if len(composite) == 0 {
		return nil, fmt.Errorf("%w: empty composite blob", ErrInvalidSignature)
	}
	if hookData == nil {
		hookData = [][]byte{}
	}
	packed, err := fullArgs.Pack(composite, verifier, hookData)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble full blob: %w", err)
	}
	return packed, nil
}

// ParseFull is the inverse of AssembleFull.
func ParseFull(blob []byte) (composite []byte, verifier common.Address, hookData [][]byte, err error) {
	values, err := fullArgs.Unpack(blob)
	if err != nil {
		return nil, common.Address{}, nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	composite = *abi.ConvertType(values[0], new([]byte)).(*[]byte)
	verifier = *abi.ConvertType(values[1], new(common.Address)).(*common.Address)
	hookData = *abi.ConvertType(values[2], new([][]byte)).(*[][]byte)
	return composite, verifier, hookData, nil
}
