package chain

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mr-tron/base58"
)

// Keypair is an ed25519 signing key
type Keypair struct {
	priv ed25519.PrivateKey
	pub  PublicKey
}

// NewKeypair generates a random keypair
func NewKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return keypairFromPrivate(priv), nil
}

// KeypairFromSeed derives a keypair from a 32-byte seed
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return keypairFromPrivate(ed25519.NewKeyFromSeed(seed)), nil
}

// KeypairFromSecret accepts the 64-byte secret key format (seed || public key)
func KeypairFromSecret(secret []byte) (*Keypair, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(secret))
	}
	kp := keypairFromPrivate(ed25519.NewKeyFromSeed(secret[:ed25519.SeedSize]))
	if string(kp.pub[:]) != string(secret[ed25519.SeedSize:]) {
		return nil, fmt.Errorf("secret key public half does not match its seed")
	}
	return kp, nil
}

// KeypairFromBase58 parses a base58 encoded 64-byte secret key
func KeypairFromBase58(s string) (*Keypair, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode secret key: %w", err)
	}
	return KeypairFromSecret(raw)
}

// LoadKeypairFile reads a keypair file holding a JSON array of 64 bytes
func LoadKeypairFile(path string) (*Keypair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keypair file: %w", err)
	}
	var secret []byte
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil, fmt.Errorf("failed to parse keypair file: %w", err)
	}
	for _, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("keypair file holds out of range byte %d", v)
		}
		secret = append(secret, byte(v))
	}
	return KeypairFromSecret(secret)
}

func keypairFromPrivate(priv ed25519.PrivateKey) *Keypair {
	kp := &Keypair{priv: priv}
	copy(kp.pub[:], priv.Public().(ed25519.PublicKey))
	return kp
}

func (k *Keypair) PublicKey() PublicKey {
	return k.pub
}

// Sign signs an arbitrary message
func (k *Keypair) Sign(message []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(k.priv, message))
	return sig
}

// SignTransaction fills this key's signature slot
func (k *Keypair) SignTransaction(_ context.Context, tx *Transaction) error {
	return tx.Sign(k.priv)
}

// Base58 returns the 64-byte secret key in base58
func (k *Keypair) Base58() string {
	return base58.Encode(k.priv)
}
