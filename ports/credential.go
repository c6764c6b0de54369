package ports

import "time"

// Credential is the portable attestation handed out after a confirmed on-chain write
type Credential struct {
	Wallet      string    `json:"wallet"`
	Over18      bool      `json:"over18"`
	UserCode    string    `json:"user_code,omitempty"`
	Facehash    string    `json:"facehash"`
	Bump        uint8     `json:"bump"`
	VerifiedAt  time.Time `json:"verified_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	TxSignature string    `json:"tx_signature"`
}

// CredentialIssuer converts between credentials and signed tokens
type CredentialIssuer interface {
	Issue(credential *Credential) (string, error)
	Parse(token string) (*Credential, error)
}
