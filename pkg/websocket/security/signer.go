package security

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeySigner signs with an in-memory secp256k1 key
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner loads a signer from a hex private key, with or without 0x prefix
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return newKeySigner(key), nil
}

// GenerateSessionKey creates a fresh ephemeral key. It is never persisted;
// every process start gets a new one.
func GenerateSessionKey() (*KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	return newKeySigner(key), nil
}

func newKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

func (s *KeySigner) Address() common.Address {
	return s.address
}

// Sign returns a 65-byte [R || S || V] signature with V in {0, 1}
func (s *KeySigner) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	return crypto.Sign(digest, s.key)
}

// PrivateKey exposes the key for on-chain transactors
func (s *KeySigner) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}

// SignPayload hashes payload with keccak256 and signs the digest
func SignPayload(signer Signer, payload []byte) ([]byte, error) {
	return signer.Sign(crypto.Keccak256(payload))
}
