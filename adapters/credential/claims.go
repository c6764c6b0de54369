package credential

import "github.com/golang-jwt/jwt/v5"

// AudienceCredential is the audience of every issued credential
const AudienceCredential = "ageverify:credential"

// CredentialClaims combines standard claims with the attestation fields
type CredentialClaims struct {
	jwt.RegisteredClaims
	Over18      bool   `json:"over18"`
	UserCode    string `json:"user_code,omitempty"`
	Facehash    string `json:"facehash"`
	Bump        uint8  `json:"bump"`
	TxSignature string `json:"tx_signature"`
}
