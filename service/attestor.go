package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/layer-3/ageverify/chain"
	"github.com/layer-3/ageverify/core"
	"github.com/layer-3/ageverify/facehash"
	"github.com/layer-3/ageverify/ports"
	"github.com/layer-3/ageverify/record"
	"github.com/shopspring/decimal"
)

// AttestStep names a stage of the on-chain write
type AttestStep string

const (
	StepPreflight   AttestStep = "preflight_check"
	StepBalance     AttestStep = "balance_check"
	StepFingerprint AttestStep = "fingerprint_ready"
	StepBuild       AttestStep = "build_instruction"
	StepPrice       AttestStep = "price_compute"
	StepAssemble    AttestStep = "assemble"
	StepSerialize   AttestStep = "serialize"
	StepCoSign      AttestStep = "gatekeeper_cosign"
	StepUserSign    AttestStep = "user_sign"
	StepSponsorSign AttestStep = "sponsor_sign"
	StepBroadcast   AttestStep = "broadcast"
	StepConfirm     AttestStep = "confirm"
)

const (
	DefaultComputeUnitLimit = 150_000
	DefaultMinUnitPrice     = 1_000
	FallbackPriorityFee     = 100_000
)

// ErrMessageAltered is returned when the gatekeeper hands back a different message
var ErrMessageAltered = errors.New("co-signed message differs from the submitted one")

var errNotConfirmed = errors.New("not confirmed yet")

// StepError attributes a failure to the step that produced it
type StepError struct {
	Step AttestStep
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// AttestorConfig holds the fee, account and pacing parameters of the write
type AttestorConfig struct {
	ProtocolTreasury chain.PublicKey
	AppTreasury      chain.PublicKey
	Gatekeeper       chain.PublicKey

	ProtocolFee decimal.Decimal
	AppFee      decimal.Decimal
	GasBuffer   decimal.Decimal

	ComputeUnitLimit uint32
	MinUnitPrice     uint64
	ConfirmAttempts  uint
	ConfirmInterval  time.Duration
}

// DefaultAttestorConfig derives the write parameters from the session config
func DefaultAttestorConfig(cfg core.VerifyConfig) AttestorConfig {
	return AttestorConfig{
		ProtocolTreasury: record.DefaultProtocolTreasury,
		Gatekeeper:       record.DefaultGatekeeper,
		ProtocolFee:      cfg.ProtocolFee,
		AppFee:           cfg.AppFee,
		GasBuffer:        cfg.GasBuffer,
		ComputeUnitLimit: DefaultComputeUnitLimit,
		MinUnitPrice:     DefaultMinUnitPrice,
		ConfirmAttempts:  30,
		ConfirmInterval:  time.Second,
	}
}

// RequiredBalance is the minimum payer balance in SOL
func (c AttestorConfig) RequiredBalance() decimal.Decimal {
	return c.ProtocolFee.Add(c.AppFee).Add(c.GasBuffer)
}

// AttestRequest describes one record write
type AttestRequest struct {
	User       ports.Signer
	Sponsor    ports.Signer // optional; pays fees when set
	Facehash   facehash.Facehash
	Over18     bool
	VerifiedAt time.Time
}

// Attestation is the outcome of a successful write, or of a cached record
type Attestation struct {
	Cached          bool
	Signature       string
	Address         chain.PublicKey
	Record          *record.Record
	ProtocolFeePaid bool
	AppFeePaid      bool
}

// Attestor builds, co-signs, broadcasts and confirms record writes
type Attestor struct {
	ledger   ports.Ledger
	cosigner ports.CoSigner
	cfg      AttestorConfig
	now      func() time.Time
	logger   watermill.LoggerAdapter

	// OnStep, if set, is called as each step starts
	OnStep func(AttestStep)
}

func NewAttestor(ledger ports.Ledger, cosigner ports.CoSigner, cfg AttestorConfig, logger watermill.LoggerAdapter) *Attestor {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Attestor{
		ledger:   ledger,
		cosigner: cosigner,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
}

func (a *Attestor) step(s AttestStep, fields watermill.LogFields) {
	a.logger.Trace("Attestation step", fields.Add(watermill.LogFields{"step": s}))
	if a.OnStep != nil {
		a.OnStep(s)
	}
}

// Preflight reads the wallet's record. It returns nil when none exists.
func (a *Attestor) Preflight(ctx context.Context, wallet chain.PublicKey) (*record.Record, error) {
	address, _, err := record.DeriveAddress(wallet)
	if err != nil {
		return nil, err
	}
	data, found, err := a.ledger.GetAccount(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	if !found {
		return nil, nil
	}
	return record.Decode(data)
}

// CheckBalance returns a *core.InsufficientBalanceError when payer cannot
// cover the fees and gas buffer
func (a *Attestor) CheckBalance(ctx context.Context, payer chain.PublicKey) error {
	lamports, err := a.ledger.GetBalance(ctx, payer)
	if err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}
	balance := chain.LamportsToSOL(lamports)
	required := a.cfg.RequiredBalance()
	if balance.LessThan(required) {
		return &core.InsufficientBalanceError{
			Balance:   balance,
			Required:  required,
			Shortfall: required.Sub(balance),
		}
	}
	return nil
}

// Attest writes the verdict in req to the ledger. An active adult record is
// returned as a cached attestation without writing.
func (a *Attestor) Attest(ctx context.Context, req AttestRequest) (*Attestation, error) {
	wallet := req.User.PublicKey()
	fields := watermill.LogFields{"wallet": wallet.String()}

	address, bump, err := record.DeriveAddress(wallet)
	if err != nil {
		return nil, &StepError{StepPreflight, err}
	}

	a.step(StepPreflight, fields)
	existing, err := a.Preflight(ctx, wallet)
	if err != nil {
		if errors.Is(err, core.ErrMalformedRecord) {
			return nil, &StepError{StepPreflight, err}
		}
		a.logger.Error("Record pre-flight failed, continuing", err, fields)
		existing = nil
	}
	if existing != nil && existing.Active(a.now()) {
		if existing.Over18 {
			a.logger.Info("Active record found, skipping write", fields)
			return &Attestation{Cached: true, Address: address, Record: existing}, nil
		}
		return nil, &StepError{StepPreflight, core.ErrRecordStillValid}
	}

	payer := req.User
	if req.Sponsor != nil {
		payer = req.Sponsor
	}

	a.step(StepBalance, fields)
	if err := a.CheckBalance(ctx, payer.PublicKey()); err != nil {
		if errors.Is(err, core.ErrInsufficientBalance) {
			return nil, &StepError{StepBalance, err}
		}
		a.logger.Error("Balance check failed, continuing", err, fields)
	}

	a.step(StepFingerprint, fields)
	var zero facehash.Facehash
	if req.Facehash == zero {
		return nil, &StepError{StepFingerprint, fmt.Errorf("%w: fingerprint not computed", core.ErrFingerprintFailed)}
	}

	a.step(StepBuild, fields)
	accounts := record.Accounts{
		Authority:        wallet,
		Payer:            payer.PublicKey(),
		ProtocolTreasury: a.cfg.ProtocolTreasury,
		AppTreasury:      a.cfg.AppTreasury,
		Gatekeeper:       a.cfg.Gatekeeper,
	}
	args := record.Args{
		Facehash:   req.Facehash,
		VerifiedAt: req.VerifiedAt.Unix(),
		Over18:     req.Over18,
		AppFee:     chain.SOLToLamports(a.cfg.AppFee),
	}
	build := record.CreateInstruction
	if existing != nil {
		build = record.UpdateInstruction
	}
	programIx, err := build(accounts, args)
	if err != nil {
		return nil, &StepError{StepBuild, err}
	}

	a.step(StepPrice, fields)
	price, err := a.ledger.PriorityFee(ctx, address)
	if err != nil {
		a.logger.Info("Priority fee estimate unavailable, using fallback", fields.Add(watermill.LogFields{"err": err}))
		price = FallbackPriorityFee
	}
	price = max(price, a.cfg.MinUnitPrice)

	a.step(StepAssemble, fields)
	blockhash, err := a.ledger.LatestBlockhash(ctx)
	if err != nil {
		return nil, &StepError{StepAssemble, fmt.Errorf("failed to fetch blockhash: %w", err)}
	}
	msg, err := chain.NewMessage(payer.PublicKey(), []chain.Instruction{
		chain.SetComputeUnitLimit(a.cfg.ComputeUnitLimit),
		chain.SetComputeUnitPrice(price),
		programIx,
	}, blockhash)
	if err != nil {
		return nil, &StepError{StepAssemble, err}
	}

	a.step(StepSerialize, fields)
	tx := chain.NewTransaction(msg)
	unsigned, err := tx.MarshalBinary()
	if err != nil {
		return nil, &StepError{StepSerialize, err}
	}

	a.step(StepCoSign, fields)
	if err := a.coSign(ctx, tx, unsigned, accounts.Gatekeeper); err != nil {
		return nil, &StepError{StepCoSign, err}
	}

	a.step(StepUserSign, fields)
	if err := sign(ctx, tx, req.User, core.PartyUser); err != nil {
		return nil, &StepError{StepUserSign, err}
	}

	if req.Sponsor != nil {
		a.step(StepSponsorSign, fields)
		if err := sign(ctx, tx, req.Sponsor, core.PartySponsor); err != nil {
			return nil, &StepError{StepSponsorSign, err}
		}
	}

	a.step(StepBroadcast, fields)
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, &StepError{StepBroadcast, err}
	}
	signature, err := a.ledger.SendTransaction(ctx, raw)
	if err != nil {
		var logs []string
		var carrier ports.LogCarrier
		if errors.As(err, &carrier) {
			logs = carrier.ExecutionLogs()
		}
		return nil, &StepError{StepBroadcast, broadcastError(tx.Signature(), logs, err)}
	}
	fields = fields.Add(watermill.LogFields{"signature": signature})
	a.logger.Info("Transaction sent", fields)

	a.step(StepConfirm, fields)
	if err := a.confirm(ctx, signature); err != nil {
		return nil, &StepError{StepConfirm, err}
	}
	a.logger.Info("Transaction confirmed", fields)

	att := &Attestation{
		Signature:       signature,
		Address:         address,
		ProtocolFeePaid: true,
		AppFeePaid:      args.AppFee > 0,
	}
	att.Record, err = a.Preflight(ctx, wallet)
	if err != nil || att.Record == nil {
		a.logger.Error("Failed to read back record, deriving it locally", err, fields)
		att.Record = a.expectedRecord(address, bump, args, existing)
	}
	return att, nil
}

// coSign asks the gatekeeper for its signature and copies it into tx
func (a *Attestor) coSign(ctx context.Context, tx *chain.Transaction, unsigned []byte, gatekeeper chain.PublicKey) error {
	signedRaw, err := a.cosigner.CoSign(ctx, unsigned)
	if err != nil {
		return &core.SigningError{Party: core.PartyGatekeeper, Err: err}
	}
	cosigned := &chain.Transaction{}
	if err := cosigned.UnmarshalBinary(signedRaw); err != nil {
		return &core.SigningError{Party: core.PartyGatekeeper, Err: err}
	}
	if !tx.SameMessage(cosigned) {
		return &core.SigningError{Party: core.PartyGatekeeper, Err: ErrMessageAltered}
	}
	if err := cosigned.VerifySignature(gatekeeper); err != nil {
		return &core.SigningError{Party: core.PartyGatekeeper, Err: err}
	}
	if err := tx.AddSignature(gatekeeper, cosigned.Signatures[cosigned.SignerIndex(gatekeeper)]); err != nil {
		return &core.SigningError{Party: core.PartyGatekeeper, Err: err}
	}
	return nil
}

func sign(ctx context.Context, tx *chain.Transaction, signer ports.Signer, party core.SignerParty) error {
	if err := signer.SignTransaction(ctx, tx); err != nil {
		return &core.SigningError{Party: party, Err: err}
	}
	if err := tx.VerifySignature(signer.PublicKey()); err != nil {
		return &core.SigningError{Party: party, Err: err}
	}
	return nil
}

// confirm polls the signature status until it is confirmed, fails or runs out of attempts
func (a *Attestor) confirm(ctx context.Context, signature string) error {
	var status ports.SignatureStatus
	err := retry.Retry(
		func(uint) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := a.ledger.SignatureStatus(ctx, signature)
			if err != nil {
				return err
			}
			if s.Failed() || s.Confirmed() {
				status = s
				return nil
			}
			return errNotConfirmed
		},
		strategy.Limit(a.cfg.ConfirmAttempts),
		func(uint) bool { return ctx.Err() == nil },
		strategy.Wait(a.cfg.ConfirmInterval),
	)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", core.ErrConfirmationTimeout, ctxErr)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", core.ErrConfirmationTimeout, signature, err)
	}

	if status.Failed() {
		logs, logErr := a.ledger.TransactionLogs(ctx, signature)
		if logErr != nil {
			a.logger.Error("Failed to fetch transaction logs", logErr, watermill.LogFields{"signature": signature})
		}
		return broadcastError(signature, logs, fmt.Errorf("transaction failed on-chain: %s", status.Err))
	}
	return nil
}

func broadcastError(signature string, logs []string, err error) error {
	if record.IsStillValidError(logs) {
		err = fmt.Errorf("%w: %w", core.ErrRecordStillValid, err)
	}
	return &core.BroadcastError{Signature: signature, Logs: logs, Err: err}
}

// expectedRecord mirrors what the program writes, for when the read-back fails
func (a *Attestor) expectedRecord(address chain.PublicKey, bump uint8, args record.Args, existing *record.Record) *record.Record {
	rec := &record.Record{
		Facehash:   args.Facehash,
		Over18:     args.Over18,
		VerifiedAt: args.VerifiedAt,
		ExpiresAt:  a.now().Add(record.Validity(args.Over18)).Unix(),
		Bump:       bump,
	}
	if existing != nil {
		rec.UserCode = existing.UserCode
	}
	if args.Over18 && rec.UserCode == "" {
		rec.UserCode = record.DeriveUserCode(address)
	}
	return rec
}
