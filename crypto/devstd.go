package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// DevSigner is a development-only Signer backed by an in-process secp256r1
// key, keyed by script hash. It exists to unblock engine tests and local
// devnets; it is not a wallet and performs no key-at-rest protection.
type DevSigner struct {
	keys map[[20]byte]*ecdsa.PrivateKey
}

func NewDevSigner() *DevSigner {
	return &DevSigner{keys: make(map[[20]byte]*ecdsa.PrivateKey)}
}

// AddKey generates a fresh secp256r1 key for scriptHash and returns its
// 33-byte compressed public key, for wiring into a ValidatorSet in tests.
func (s *DevSigner) AddKey(scriptHash [20]byte) ([]byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: dev signer: generate key: %w", err)
	}
	s.keys[scriptHash] = priv
	return elliptic.MarshalCompressed(elliptic.P256(), priv.X, priv.Y), nil
}

func (s *DevSigner) CanSign(scriptHash [20]byte) bool {
	_, ok := s.keys[scriptHash]
	return ok
}

func (s *DevSigner) Sign(data []byte, scriptHash [20]byte) ([]byte, error) {
	priv, ok := s.keys[scriptHash]
	if !ok {
		return nil, fmt.Errorf("crypto: dev signer: no key for script hash")
	}
	digest := sha256.Sum256(data)
	r, sv, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: dev signer: sign: %w", err)
	}
	out := make([]byte, 64)
	r.FillBytes(out[:32])
	sv.FillBytes(out[32:])
	return out, nil
}
