// Package chain holds the ledger primitives the attestation protocol needs:
// base58 keys and hashes, program-derived addresses, the versioned message and
// transaction wire format, ed25519 keypairs and compute-budget instructions.
package chain

import (
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

const (
	PublicKeyLength = 32
	HashLength      = 32
	SignatureLength = 64
)

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidHash      = errors.New("invalid hash")
	ErrInvalidSignature = errors.New("invalid signature")
)

// SystemProgramID is the native system program (all-zero key)
var SystemProgramID = PublicKey{}

// PublicKey is an account address
type PublicKey [PublicKeyLength]byte

// PublicKeyFromBase58 parses a base58 encoded address
func PublicKeyFromBase58(s string) (PublicKey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %q: %v", ErrInvalidPublicKey, s, err)
	}
	return PublicKeyFromBytes(raw)
}

// PublicKeyFromBytes copies a 32-byte slice into a key
func PublicKeyFromBytes(raw []byte) (PublicKey, error) {
	var k PublicKey
	if len(raw) != PublicKeyLength {
		return k, fmt.Errorf("%w: length %d", ErrInvalidPublicKey, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// MustPublicKey parses a base58 address and panics on error. Intended for constants.
func MustPublicKey(s string) PublicKey {
	k, err := PublicKeyFromBase58(s)
	if err != nil {
		panic(err)
	}
	return k
}

func (k PublicKey) String() string {
	return base58.Encode(k[:])
}

func (k PublicKey) Bytes() []byte {
	return append([]byte(nil), k[:]...)
}

func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// IsOnCurve reports whether the key decompresses to a valid ed25519 point.
// Program-derived addresses are by construction off the curve.
func (k PublicKey) IsOnCurve() bool {
	_, err := new(edwards25519.Point).SetBytes(k[:])
	return err == nil
}

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := PublicKeyFromBase58(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Hash is a 32-byte ledger hash, used here for recent blockhashes
type Hash [HashLength]byte

// HashFromBase58 parses a base58 encoded hash
func HashFromBase58(s string) (Hash, error) {
	var h Hash
	raw, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("%w: %q: %v", ErrInvalidHash, s, err)
	}
	if len(raw) != HashLength {
		return h, fmt.Errorf("%w: length %d", ErrInvalidHash, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

func (h Hash) String() string {
	return base58.Encode(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Signature is an ed25519 transaction signature
type Signature [SignatureLength]byte

// SignatureFromBase58 parses a base58 encoded signature
func SignatureFromBase58(s string) (Signature, error) {
	var sig Signature
	raw, err := base58.Decode(s)
	if err != nil {
		return sig, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(raw) != SignatureLength {
		return sig, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(raw))
	}
	copy(sig[:], raw)
	return sig, nil
}

func (s Signature) String() string {
	return base58.Encode(s[:])
}

func (s Signature) IsZero() bool {
	return s == Signature{}
}
