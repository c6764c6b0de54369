package facehash

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"testing"

	"github.com/layer-3/ageverify/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embedding(seed float32) []float32 {
	e := make([]float32, EmbeddingDim)
	for i := range e {
		e[i] = seed + float32(i)*0.01
	}
	return e
}

func TestComputeMatchesPreimage(t *testing.T) {
	salt := make([]byte, SaltLength)
	for i := range salt {
		salt[i] = byte(i)
	}
	emb := embedding(0.5)
	wallet := "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

	got, err := Compute(wallet, salt, emb)
	require.NoError(t, err)

	preimage := []byte(Prefix + wallet)
	preimage = append(preimage, salt...)
	for _, v := range emb {
		preimage = binary.LittleEndian.AppendUint32(preimage, math.Float32bits(v))
	}
	assert.Equal(t, Facehash(sha256.Sum256(preimage)), got)
	assert.Len(t, got.Hex(), 64)
}

func TestComputeIsPure(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	emb := embedding(1)

	a, err := Compute("wallet-a", salt, emb)
	require.NoError(t, err)
	b, err := Compute("wallet-a", salt, emb)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	otherWallet, err := Compute("wallet-b", salt, emb)
	require.NoError(t, err)
	assert.NotEqual(t, a, otherWallet)

	otherSalt, err := NewSalt()
	require.NoError(t, err)
	salted, err := Compute("wallet-a", otherSalt, emb)
	require.NoError(t, err)
	assert.NotEqual(t, a, salted)

	emb2 := embedding(1)
	emb2[127] += 0.001
	shifted, err := Compute("wallet-a", salt, emb2)
	require.NoError(t, err)
	assert.NotEqual(t, a, shifted)
}

func TestComputeRejectsBadInput(t *testing.T) {
	salt := make([]byte, SaltLength)
	tests := map[string]struct {
		wallet string
		salt   []byte
		emb    []float32
	}{
		"no embedding": {"w", salt, nil},
		"wrong dim":    {"w", salt, make([]float32, 64)},
		"short salt":   {"w", salt[:8], embedding(0)},
		"empty wallet": {"", salt, embedding(0)},
	}
	for name, tt := range tests {
		_, err := Compute(tt.wallet, tt.salt, tt.emb)
		assert.ErrorIs(t, err, core.ErrFingerprintFailed, name)
	}
}

func TestHexRoundTrip(t *testing.T) {
	f, err := Compute("w", make([]byte, SaltLength), embedding(2))
	require.NoError(t, err)

	parsed, err := FromHex(f.Hex())
	require.NoError(t, err)
	assert.Equal(t, f, parsed)

	_, err = FromHex("abcd")
	assert.ErrorIs(t, err, core.ErrFingerprintFailed)
}

func TestNonceAndSaltAreRandom(t *testing.T) {
	a, err := NewNonce()
	require.NoError(t, err)
	b, err := NewNonce()
	require.NoError(t, err)
	assert.Len(t, a, NonceLength)
	assert.NotEqual(t, a, b)
}
