package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"math/big"
)

// VerifySignature verifies a 64-byte raw (r||s) ECDSA secp256r1 signature
// over SHA-256(data), against a 33-byte compressed public key. This is the
// exact shape §4.4.2 and §4.4.4 pin for both payload and commit signatures.
func VerifySignature(pubKeyCompressed []byte, sig []byte, data []byte) bool {
	if len(sig) != 64 {
		return false
	}
	pub, err := DecodeCompressedPubKey(pubKeyCompressed)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(pub, digest[:], r, s)
}

// DecodeCompressedPubKey parses a 33-byte compressed secp256r1 (NIST P-256)
// point, as used by Validator.PubKey throughout the consensus data model.
func DecodeCompressedPubKey(b []byte) (*ecdsa.PublicKey, error) {
	curve := elliptic.P256()
	x, y := elliptic.UnmarshalCompressed(curve, b)
	if x == nil {
		return nil, errInvalidPubKey
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

var errInvalidPubKey = errors.New("crypto: invalid compressed secp256r1 public key")
