package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/layer-3/ageverify/chain"
	"github.com/layer-3/ageverify/ports"
	"github.com/layer-3/ageverify/record"
)

var ErrLedgerDown = errors.New("ledger unavailable")

// Ledger is an in-memory ledger that executes registry program instructions
// the way the deployed program does
type Ledger struct {
	mu sync.Mutex

	Now          func() time.Time
	Blockhash    chain.Hash
	Fee          uint64
	FeeErr       error
	BalanceErr   error
	AccountErr   error
	SendErr      error
	StatusErr    error
	ConfirmAfter int // status polls before a landed transaction reports confirmed

	accounts map[chain.PublicKey][]byte
	balances map[chain.PublicKey]uint64
	txs      map[string]*ledgerTx
	sent     []*chain.Transaction
}

type ledgerTx struct {
	polls int
	err   json.RawMessage
	logs  []string
	keys  []chain.PublicKey
}

func NewLedger() *Ledger {
	return &Ledger{
		Now:       time.Now,
		Blockhash: chain.Hash(sha256.Sum256([]byte("blockhash"))),
		Fee:       5_000,
		accounts:  make(map[chain.PublicKey][]byte),
		balances:  make(map[chain.PublicKey]uint64),
		txs:       make(map[string]*ledgerTx),
	}
}

// Fund sets the balance of key
func (l *Ledger) Fund(key chain.PublicKey, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[key] = lamports
}

func (l *Ledger) Balance(key chain.PublicKey) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[key]
}

// PutRecord stores rec at the wallet's derived address
func (l *Ledger) PutRecord(wallet chain.PublicKey, rec *record.Record) {
	address, bump, err := record.DeriveAddress(wallet)
	if err != nil {
		panic(err)
	}
	rec.Bump = bump
	data, err := rec.EncodeAccount()
	if err != nil {
		panic(err)
	}
	l.PutAccount(address, data)
}

func (l *Ledger) PutAccount(address chain.PublicKey, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[address] = data
}

// Record returns the decoded record of wallet, or nil
func (l *Ledger) Record(wallet chain.PublicKey) *record.Record {
	address, _, err := record.DeriveAddress(wallet)
	if err != nil {
		panic(err)
	}
	l.mu.Lock()
	data, ok := l.accounts[address]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	rec, err := record.Decode(data)
	if err != nil {
		panic(err)
	}
	return rec
}

// Sent returns every transaction submitted so far
func (l *Ledger) Sent() []*chain.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*chain.Transaction(nil), l.sent...)
}

func (l *Ledger) GetAccount(_ context.Context, address chain.PublicKey) ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.AccountErr != nil {
		return nil, false, l.AccountErr
	}
	data, ok := l.accounts[address]
	return append([]byte(nil), data...), ok, nil
}

func (l *Ledger) GetBalance(_ context.Context, address chain.PublicKey) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.BalanceErr != nil {
		return 0, l.BalanceErr
	}
	return l.balances[address], nil
}

func (l *Ledger) LatestBlockhash(context.Context) (chain.Hash, error) {
	return l.Blockhash, nil
}

func (l *Ledger) PriorityFee(context.Context, chain.PublicKey) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Fee, l.FeeErr
}

// SendTransaction verifies signatures and executes the transaction. Execution
// failures still land and are reported through SignatureStatus, like a send
// that skipped preflight.
func (l *Ledger) SendTransaction(_ context.Context, raw []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendErr != nil {
		return "", l.SendErr
	}

	tx := &chain.Transaction{}
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", fmt.Errorf("failed to decode transaction: %w", err)
	}
	if err := tx.VerifySignatures(); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}

	sig := tx.Signature()
	l.sent = append(l.sent, tx)
	entry := &ledgerTx{keys: append([]chain.PublicKey(nil), tx.Message.AccountKeys...)}
	l.txs[sig] = entry

	for i, ci := range tx.Message.Instructions {
		ix, err := tx.Message.Decompile(ci)
		if err != nil {
			return "", err
		}
		if ix.ProgramID != record.ProgramID {
			continue
		}
		entry.logs = append(entry.logs, fmt.Sprintf("Program %s invoke [1]", record.ProgramID))
		if code, msg := l.execute(ix); code != 0 {
			entry.logs = append(entry.logs,
				fmt.Sprintf("Program log: AnchorError occurred. Error Code: %s. Error Number: %d.", msg, code),
				fmt.Sprintf("Program %s failed: custom program error: 0x%x", record.ProgramID, code))
			entry.err = json.RawMessage(fmt.Sprintf(`{"InstructionError":[%d,{"Custom":%d}]}`, i, code))
			return sig, nil
		}
		entry.logs = append(entry.logs, fmt.Sprintf("Program %s success", record.ProgramID))
	}
	return sig, nil
}

// execute applies one registry instruction; it returns a program error code on failure
func (l *Ledger) execute(ix chain.Instruction) (int, string) {
	parsed, err := record.ParseInstruction(ix)
	if err != nil {
		return 101, "InstructionFallbackNotFound"
	}

	now := l.Now().Unix()
	data, exists := l.accounts[parsed.Record]

	if parsed.Kind == record.KindClose {
		if !exists {
			return 3012, "AccountNotInitialized"
		}
		delete(l.accounts, parsed.Record)
		return 0, ""
	}

	var rec *record.Record
	if exists {
		if rec, err = record.Decode(data); err != nil {
			return 3003, "AccountDidNotDeserialize"
		}
	}
	if parsed.Kind == record.KindUpdate {
		if rec == nil {
			return 3012, "AccountNotInitialized"
		}
		if rec.ExpiresAt > now {
			return record.ErrCodeStillValid, "VerificationStillValid"
		}
	}

	fee := uint64(record.ProtocolFeeLamports) + parsed.Args.AppFee
	if l.balances[parsed.Accounts.Payer] < fee {
		return 1, "InsufficientFunds"
	}
	l.balances[parsed.Accounts.Payer] -= fee
	l.balances[parsed.Accounts.ProtocolTreasury] += record.ProtocolFeeLamports
	l.balances[parsed.Accounts.AppTreasury] += parsed.Args.AppFee

	if rec == nil {
		_, bump, err := record.DeriveAddress(parsed.Accounts.Authority)
		if err != nil {
			return 2006, "ConstraintSeeds"
		}
		rec = &record.Record{Bump: bump}
	}
	if parsed.Args.Over18 && rec.UserCode == "" {
		rec.UserCode = record.DeriveUserCode(parsed.Record)
	}
	rec.Facehash = parsed.Args.Facehash
	rec.VerifiedAt = parsed.Args.VerifiedAt
	rec.ExpiresAt = now + int64(record.Validity(parsed.Args.Over18)/time.Second)
	rec.Over18 = parsed.Args.Over18

	encoded, err := rec.EncodeAccount()
	if err != nil {
		return 3004, "AccountDidNotSerialize"
	}
	l.accounts[parsed.Record] = encoded
	return 0, ""
}

func (l *Ledger) SignatureStatus(_ context.Context, signature string) (ports.SignatureStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.StatusErr != nil {
		return ports.SignatureStatus{}, l.StatusErr
	}
	entry, ok := l.txs[signature]
	if !ok {
		return ports.SignatureStatus{}, nil
	}
	entry.polls++
	if entry.polls <= l.ConfirmAfter {
		return ports.SignatureStatus{Found: true, ConfirmationStatus: "processed"}, nil
	}
	return ports.SignatureStatus{Found: true, ConfirmationStatus: "confirmed", Err: entry.err}, nil
}

func (l *Ledger) TransactionLogs(_ context.Context, signature string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.txs[signature]
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", signature)
	}
	return append([]string(nil), entry.logs...), nil
}

func (l *Ledger) TransactionAccounts(_ context.Context, signature string) ([]chain.PublicKey, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.txs[signature]
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", signature)
	}
	return append([]chain.PublicKey(nil), entry.keys...), nil
}

// RemoveAccount deletes the account at address, as a close would
func (l *Ledger) RemoveAccount(address chain.PublicKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.accounts, address)
}

var _ ports.Ledger = (*Ledger)(nil)
