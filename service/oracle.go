package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/layer-3/ageverify/chain"
	"github.com/layer-3/ageverify/core"
	"github.com/layer-3/ageverify/ports"
	"github.com/layer-3/ageverify/record"
)

var (
	ErrInvalidWallet       = errors.New("invalid wallet address")
	ErrNotConfirmed        = errors.New("transaction not confirmed")
	ErrTransactionFailed   = errors.New("transaction failed on-chain")
	ErrVerificationExpired = errors.New("verification record expired")
	ErrTransactionMismatch = errors.New("transaction did not write the wallet's record")
)

// CredentialRequest asks for a credential backed by a confirmed write
type CredentialRequest struct {
	Signature string `json:"signature" binding:"required"`
	Wallet    string `json:"wallet" binding:"required"`
}

// IssuedCredential is the oracle's answer
type IssuedCredential struct {
	Token      string           `json:"token"`
	Address    string           `json:"address"`
	Credential ports.Credential `json:"credential"`
}

// Oracle issues portable credentials for records written on-chain
type Oracle struct {
	ledger ports.Ledger
	issuer ports.CredentialIssuer
	now    func() time.Time
	logger watermill.LoggerAdapter
}

func NewOracle(ledger ports.Ledger, issuer ports.CredentialIssuer, logger watermill.LoggerAdapter) *Oracle {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Oracle{ledger: ledger, issuer: issuer, now: time.Now, logger: logger}
}

// Issue checks that the confirmed transaction touched the wallet's record and
// that the record is active, then signs a credential
func (o *Oracle) Issue(ctx context.Context, req CredentialRequest) (*IssuedCredential, error) {
	wallet, err := chain.PublicKeyFromBase58(req.Wallet)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWallet, err)
	}
	fields := watermill.LogFields{"wallet": req.Wallet, "signature": req.Signature}

	status, err := o.ledger.SignatureStatus(ctx, req.Signature)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature status: %w", err)
	}
	if status.Failed() {
		logs, logErr := o.ledger.TransactionLogs(ctx, req.Signature)
		if logErr != nil {
			o.logger.Error("Failed to fetch transaction logs", logErr, fields)
		}
		return nil, &core.BroadcastError{Signature: req.Signature, Logs: logs, Err: ErrTransactionFailed}
	}
	if !status.Confirmed() {
		return nil, ErrNotConfirmed
	}

	address, _, err := record.DeriveAddress(wallet)
	if err != nil {
		return nil, err
	}
	keys, err := o.ledger.TransactionAccounts(ctx, req.Signature)
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction: %w", err)
	}
	if !slices.Contains(keys, address) {
		o.logger.Info("Signature does not reference the wallet's record", fields)
		return nil, fmt.Errorf("%w: %s not among the transaction accounts", ErrTransactionMismatch, address)
	}

	data, found, err := o.ledger.GetAccount(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	if !found {
		return nil, core.ErrRecordNotFound
	}
	rec, err := record.Decode(data)
	if err != nil {
		return nil, err
	}
	if !rec.Active(o.now()) {
		return nil, ErrVerificationExpired
	}

	credential := ports.Credential{
		Wallet:      wallet.String(),
		Over18:      rec.Over18,
		UserCode:    rec.UserCode,
		Facehash:    rec.FacehashHex(),
		Bump:        rec.Bump,
		VerifiedAt:  rec.VerifiedTime(),
		ExpiresAt:   rec.ExpiresTime(),
		TxSignature: req.Signature,
	}
	token, err := o.issuer.Issue(&credential)
	if err != nil {
		return nil, fmt.Errorf("failed to issue credential: %w", err)
	}

	o.logger.Info("Credential issued", fields.Add(watermill.LogFields{"over18": rec.Over18}))
	return &IssuedCredential{Token: token, Address: address.String(), Credential: credential}, nil
}
