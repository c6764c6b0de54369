package ports

import (
	"context"
	"encoding/json"

	"github.com/layer-3/ageverify/chain"
)

// SignatureStatus is the ledger's view of a submitted transaction
type SignatureStatus struct {
	Found              bool
	ConfirmationStatus string // processed, confirmed or finalized
	Err                json.RawMessage
}

// Confirmed reports whether the transaction reached at least confirmed commitment
func (s SignatureStatus) Confirmed() bool {
	return s.Found && (s.ConfirmationStatus == "confirmed" || s.ConfirmationStatus == "finalized")
}

// Failed reports whether the ledger recorded an execution error
func (s SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// Ledger is the subset of ledger RPC the protocol needs
type Ledger interface {
	// GetAccount returns the account data, or found=false when the account does not exist
	GetAccount(ctx context.Context, address chain.PublicKey) (data []byte, found bool, err error)
	GetBalance(ctx context.Context, address chain.PublicKey) (lamports uint64, err error)
	LatestBlockhash(ctx context.Context) (chain.Hash, error)
	// PriorityFee returns a recommended compute unit price in micro-lamports
	PriorityFee(ctx context.Context, account chain.PublicKey) (uint64, error)
	SendTransaction(ctx context.Context, raw []byte) (signature string, err error)
	SignatureStatus(ctx context.Context, signature string) (SignatureStatus, error)
	TransactionLogs(ctx context.Context, signature string) ([]string, error)
	// TransactionAccounts returns every account key a landed transaction referenced
	TransactionAccounts(ctx context.Context, signature string) ([]chain.PublicKey, error)
}

// LogCarrier is implemented by ledger errors that carry program execution logs
type LogCarrier interface {
	ExecutionLogs() []string
}

// Signer adds a party's signature to a transaction
type Signer interface {
	PublicKey() chain.PublicKey
	SignTransaction(ctx context.Context, tx *chain.Transaction) error
}

// CoSigner is the gatekeeper: it receives an unsigned serialized transaction and
// returns it partially signed
type CoSigner interface {
	CoSign(ctx context.Context, serialized []byte) ([]byte, error)
}
