package credential

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/ageverify/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func sampleCredential() *ports.Credential {
	verified := time.Now().Add(-time.Hour).Truncate(time.Second)
	return &ports.Credential{
		Wallet:      "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T",
		Over18:      true,
		UserCode:    "AB9AE",
		Facehash:    "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		Bump:        254,
		VerifiedAt:  verified,
		ExpiresAt:   verified.Add(90 * 24 * time.Hour),
		TxSignature: "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW",
	}
}

func TestIssueAndParse(t *testing.T) {
	issuer := NewJWTIssuer(newKey(t), "ageverify-oracle")
	want := sampleCredential()

	token, err := issuer.Issue(want)
	require.NoError(t, err)

	got, err := issuer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, want.Wallet, got.Wallet)
	assert.Equal(t, want.Over18, got.Over18)
	assert.Equal(t, want.UserCode, got.UserCode)
	assert.Equal(t, want.Facehash, got.Facehash)
	assert.Equal(t, want.Bump, got.Bump)
	assert.Equal(t, want.TxSignature, got.TxSignature)
	assert.True(t, want.VerifiedAt.Equal(got.VerifiedAt))
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
}

func TestParseRejects(t *testing.T) {
	key := newKey(t)
	issuer := NewJWTIssuer(key, "ageverify-oracle")

	t.Run("foreign key", func(t *testing.T) {
		token, err := NewJWTIssuer(newKey(t), "ageverify-oracle").Issue(sampleCredential())
		require.NoError(t, err)
		_, err = issuer.Parse(token)
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("other issuer", func(t *testing.T) {
		token, err := NewJWTIssuer(key, "someone-else").Issue(sampleCredential())
		require.NoError(t, err)
		_, err = issuer.Parse(token)
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("expired", func(t *testing.T) {
		c := sampleCredential()
		c.VerifiedAt = time.Now().Add(-48 * time.Hour)
		c.ExpiresAt = time.Now().Add(-24 * time.Hour)
		token, err := issuer.Issue(c)
		require.NoError(t, err)
		_, err = issuer.Parse(token)
		assert.ErrorIs(t, err, ErrInvalidCredential)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := issuer.Parse("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("hmac", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, CredentialClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:   "ageverify-oracle",
				Audience: jwt.ClaimStrings{AudienceCredential},
			},
		})
		signed, err := token.SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = issuer.Parse(signed)
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})
}
