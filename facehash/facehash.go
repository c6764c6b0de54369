// Package facehash derives the non-reversible identity fingerprint that binds a
// face embedding to a wallet.
package facehash

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/ageverify/core"
)

const (
	Prefix       = "solana-verify:v1"
	SaltLength   = 16
	NonceLength  = 16
	EmbeddingDim = 128
)

// Facehash is a 32-byte fingerprint
type Facehash [sha256.Size]byte

func (f Facehash) Hex() string {
	return common.Bytes2Hex(f[:])
}

// FromHex parses a 64 character hex fingerprint
func FromHex(s string) (Facehash, error) {
	var f Facehash
	raw := common.FromHex(s)
	if len(raw) != len(f) {
		return f, fmt.Errorf("%w: facehash must be %d bytes, got %d", core.ErrFingerprintFailed, len(f), len(raw))
	}
	copy(f[:], raw)
	return f, nil
}

// Compute hashes prefix, wallet, salt and the little-endian float32 embedding
func Compute(wallet string, salt []byte, embedding []float32) (Facehash, error) {
	var f Facehash
	if len(embedding) == 0 {
		return f, fmt.Errorf("%w: no embedding", core.ErrFingerprintFailed)
	}
	if len(embedding) != EmbeddingDim {
		return f, fmt.Errorf("%w: embedding has %d dimensions, want %d", core.ErrFingerprintFailed, len(embedding), EmbeddingDim)
	}
	if len(salt) != SaltLength {
		return f, fmt.Errorf("%w: salt must be %d bytes, got %d", core.ErrFingerprintFailed, SaltLength, len(salt))
	}
	if wallet == "" {
		return f, fmt.Errorf("%w: empty wallet", core.ErrFingerprintFailed)
	}

	h := sha256.New()
	h.Write([]byte(Prefix))
	h.Write([]byte(wallet))
	h.Write(salt)
	buf := make([]byte, 4*len(embedding))
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	h.Write(buf)

	copy(f[:], h.Sum(nil))
	return f, nil
}

// NewSalt returns fresh random salt bytes
func NewSalt() ([]byte, error) {
	return randomBytes(SaltLength)
}

// NewNonce returns a fresh random session nonce
func NewNonce() ([]byte, error) {
	return randomBytes(NonceLength)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}
