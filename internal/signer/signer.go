// Package signer is the identity that authorizes ledger writes and signs
// inference requests. The default implementation is an EVM secp256k1 key.
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/felipepmaragno/inference-trader/internal/crypto"
	"github.com/felipepmaragno/inference-trader/internal/secrets"
)

var (
	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrInvalidSignature  = errors.New("invalid signature")
)

type Signer interface {
	Address() common.Address
	// SignHash signs a 32-byte digest and returns a 65-byte [R || S || V] signature.
	SignHash(hash []byte) ([]byte, error)
}

type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
	}
}

// FromHex parses a hex private key, with or without 0x prefix.
func FromHex(hexKey string) (*KeySigner, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return NewKeySigner(key), nil
}

// FromSecret loads the key from a secret store. enc may be nil when the
// stored key is not encrypted.
func FromSecret(ctx context.Context, store secrets.SecretStore, name string, enc *crypto.Encryptor) (*KeySigner, error) {
	hexKey, err := secrets.LoadSignerKey(ctx, store, name, enc)
	if err != nil {
		return nil, err
	}
	return FromHex(hexKey)
}

// Generate creates a throwaway key, used by tests and dry runs.
func Generate() (*KeySigner, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewKeySigner(key), nil
}

func (s *KeySigner) Address() common.Address {
	return s.address
}

func (s *KeySigner) SignHash(hash []byte) ([]byte, error) {
	return ethcrypto.Sign(hash, s.key)
}

// SignMessage signs msg under the EIP-191 personal message prefix.
func SignMessage(s Signer, msg []byte) ([]byte, error) {
	return s.SignHash(textHash(msg))
}

// RecoverMessage returns the address that produced sig over msg with SignMessage.
func RecoverMessage(msg, sig []byte) (common.Address, error) {
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}

	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[ethcrypto.RecoveryIDOffset] >= 27 {
		normalized[ethcrypto.RecoveryIDOffset] -= 27
	}

	pub, err := ethcrypto.SigToPub(textHash(msg), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// textHash is the EIP-191 personal message digest.
func textHash(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}
