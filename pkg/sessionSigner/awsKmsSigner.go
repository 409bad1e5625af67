package sessionSigner

import (
	"context"
	cryptoEcdsa "crypto/ecdsa"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// AWSKMSSigner keeps the session's delegated key in AWS KMS, for
// deployments where even an ephemeral key must never touch process memory.
// The key must be an ECC_SECG_P256K1 sign/verify key.
type AWSKMSSigner struct {
	logger    *zap.Logger
	kmsClient *kms.Client
	keyID     string
	publicKey *cryptoEcdsa.PublicKey
	address   common.Address
}

// NewAWSKMSSigner fetches the key's public material and derives its
// Ethereum address up front, so signing only needs one KMS round trip.
func NewAWSKMSSigner(ctx context.Context, awsCfg aws.Config, keyID string, logger *zap.Logger) (*AWSKMSSigner, error) {
	kmsClient := kms.NewFromConfig(awsCfg)

	pubKeyOut, err := kmsClient.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get public key for KMS key %s", keyID)
	}

	publicKey, err := parseECDSAPublicKey(pubKeyOut.PublicKey)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse public key for KMS key %s", keyID)
	}

	address := crypto.PubkeyToAddress(*publicKey)
	logger.Sugar().Infow("AWS KMS session signer ready", "keyId", keyID, "address", address.Hex())

	return &AWSKMSSigner{
		logger:    logger,
		kmsClient: kmsClient,
		keyID:     keyID,
		publicKey: publicKey,
		address:   address,
	}, nil
}

func (a *AWSKMSSigner) Address() common.Address {
	return a.address
}

func (a *AWSKMSSigner) PublicKey() *cryptoEcdsa.PublicKey {
	return a.publicKey
}

// ASN.1 structures for the KMS wire formats
type asn1EcSig struct {
	R asn1.RawValue
	S asn1.RawValue
}

type asn1EcPublicKey struct {
	EcPublicKeyInfo asn1EcPublicKeyInfo
	PublicKey       asn1.BitString
}

type asn1EcPublicKeyInfo struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.ObjectIdentifier
}

// parseECDSAPublicKey parses the DER-encoded public key from KMS
func parseECDSAPublicKey(derBytes []byte) (*cryptoEcdsa.PublicKey, error) {
	var asn1pubk asn1EcPublicKey
	_, err := asn1.Unmarshal(derBytes, &asn1pubk)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ASN.1 public key: %w", err)
	}

	return crypto.UnmarshalPubkey(asn1pubk.PublicKey.Bytes)
}

// secp256k1 curve order for malleability protection
var secp256k1Order, _ = new(big.Int).SetString("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEBAAEDCE6AF48A03BBFD25E8CD0364141", 16)

// SignDigest signs the digest through KMS and converts the ASN.1 (r, s)
// output into the 65-byte Ethereum form. KMS does not return a recovery
// id, so candidate ids are tried against the known public key.
func (a *AWSKMSSigner) SignDigest(ctx context.Context, digest [32]byte) ([]byte, error) {
	signOutput, err := a.kmsClient.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(a.keyID),
		Message:          digest[:],
		SigningAlgorithm: kmstypes.SigningAlgorithmSpecEcdsaSha256,
		MessageType:      kmstypes.MessageTypeDigest,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to sign with KMS key %s", a.keyID)
	}

	var sigAsn1 asn1EcSig
	if _, err = asn1.Unmarshal(signOutput.Signature, &sigAsn1); err != nil {
		return nil, errors.Wrap(err, "failed to parse KMS signature envelope")
	}

	r := new(big.Int).SetBytes(sigAsn1.R.Bytes)
	s := new(big.Int).SetBytes(sigAsn1.S.Bytes)

	// low-S canonicalization for malleability protection
	halfOrder := new(big.Int).Rsh(secp256k1Order, 1)
	if s.Cmp(halfOrder) > 0 {
		s = new(big.Int).Sub(secp256k1Order, s)
	}

	rBytes := r.FillBytes(make([]byte, 32))
	sBytes := s.FillBytes(make([]byte, 32))

	signature := make([]byte, 65)
	copy(signature[0:32], rBytes)
	copy(signature[32:64], sBytes)

	for recoveryID := 0; recoveryID < 2; recoveryID++ {
		signature[64] = byte(recoveryID)

		recoveredBytes, err := crypto.Ecrecover(digest[:], signature)
		if err != nil {
			a.logger.Sugar().Debugw("Ecrecover failed", "recoveryId", recoveryID, "error", err)
			continue
		}
		recovered, err := crypto.UnmarshalPubkey(recoveredBytes)
		if err != nil {
			continue
		}
		if recovered.X.Cmp(a.publicKey.X) == 0 && recovered.Y.Cmp(a.publicKey.Y) == 0 {
			return signature, nil
		}
	}

	return nil, fmt.Errorf("could not determine valid recovery ID for KMS key %s", a.keyID)
}
