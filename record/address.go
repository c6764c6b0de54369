package record

import (
	"github.com/layer-3/ageverify/chain"
)

var (
	// ProgramID is the deployed registry program
	ProgramID = chain.MustPublicKey("AgeVwjVjNpRYkk1TzkLPG7S1bvMoa4J3bwuVbs161k3q")

	// DefaultProtocolTreasury receives the protocol fee
	DefaultProtocolTreasury = chain.MustPublicKey("vrFYXf63CSksNdhCm183AnX6ogoLV53cT3eMU7TktXi")

	// DefaultGatekeeper is the platform key the program requires as co-signer
	DefaultGatekeeper = chain.MustPublicKey("vrFYXf63CSksNdhCm183AnX6ogoLV53cT3eMU7TktXi")
)

const (
	seedPrefix = "verification"

	// ProtocolFeeLamports is charged by the program on every create or update
	ProtocolFeeLamports = 500_000

	// Namespace versions locally persisted retry state. Bumping it resets history.
	Namespace = "ageverify:v2"

	// UserCodeAlphabet excludes the easily confused O and 0, 1
	UserCodeAlphabet = "ABCDEFGHIJKLMNPQRSTUVWXYZ23456789"
)

// DeriveAddress returns the record address and bump for a wallet
func DeriveAddress(wallet chain.PublicKey) (chain.PublicKey, uint8, error) {
	return chain.FindProgramAddress([][]byte{[]byte(seedPrefix), wallet[:]}, ProgramID)
}

// DeriveUserCode maps the record address to the 5 character code the program stores
func DeriveUserCode(address chain.PublicKey) string {
	code := make([]byte, UserCodeLength)
	for i := range code {
		code[i] = UserCodeAlphabet[int(address[i]^address[i+5])%len(UserCodeAlphabet)]
	}
	return string(code)
}
