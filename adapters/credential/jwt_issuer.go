package credential

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/layer-3/ageverify/ports"
)

// ErrInvalidCredential is returned for tokens that fail signature or claim checks
var ErrInvalidCredential = errors.New("invalid credential")

// JWTIssuer implements the CredentialIssuer interface using ES256 JWTs
type JWTIssuer struct {
	signKey *ecdsa.PrivateKey
	issuer  string
}

// NewJWTIssuer creates a new JWT credential issuer
func NewJWTIssuer(signKey *ecdsa.PrivateKey, issuer string) *JWTIssuer {
	return &JWTIssuer{signKey: signKey, issuer: issuer}
}

// Issue converts a Credential to a signed token. The token expires with the record.
func (j *JWTIssuer) Issue(credential *ports.Credential) (string, error) {
	claims := CredentialClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   credential.Wallet,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(credential.VerifiedAt),
			ExpiresAt: jwt.NewNumericDate(credential.ExpiresAt),
			Audience:  jwt.ClaimStrings{AudienceCredential},
		},
		Over18:      credential.Over18,
		UserCode:    credential.UserCode,
		Facehash:    credential.Facehash,
		Bump:        credential.Bump,
		TxSignature: credential.TxSignature,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign credential: %w", err)
	}

	return signedToken, nil
}

// Parse converts a signed token back to a Credential
func (j *JWTIssuer) Parse(tokenStr string) (*ports.Credential, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &CredentialClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	}, jwt.WithAudience(AudienceCredential), jwt.WithIssuer(j.issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	if !token.Valid {
		return nil, ErrInvalidCredential
	}

	claims, ok := token.Claims.(*CredentialClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}

	return &ports.Credential{
		Wallet:      claims.Subject,
		Over18:      claims.Over18,
		UserCode:    claims.UserCode,
		Facehash:    claims.Facehash,
		Bump:        claims.Bump,
		VerifiedAt:  claims.IssuedAt.Time,
		ExpiresAt:   claims.ExpiresAt.Time,
		TxSignature: claims.TxSignature,
	}, nil
}

var _ ports.CredentialIssuer = (*JWTIssuer)(nil)
