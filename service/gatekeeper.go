package service

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/layer-3/ageverify/chain"
	"github.com/layer-3/ageverify/core"
	"github.com/layer-3/ageverify/ports"
	"github.com/layer-3/ageverify/record"
)

// Gatekeeper is the platform co-signer. It only signs transactions that
// write a single verification record, pay for themselves and require its
// own signature.
type Gatekeeper struct {
	signer ports.Signer
	logger watermill.LoggerAdapter

	protocolTreasury chain.PublicKey
	appTreasuries    map[chain.PublicKey]struct{}
	appFeeCap        uint64
}

// GatekeeperOption configures the co-signing policy
type GatekeeperOption func(*Gatekeeper)

// WithProtocolTreasury sets the only protocol treasury instructions may name
func WithProtocolTreasury(key chain.PublicKey) GatekeeperOption {
	return func(g *Gatekeeper) {
		g.protocolTreasury = key
	}
}

// WithAppFee allows a non-zero app fee of at most maxLamports, paid to one of treasuries.
// Without it every instruction must carry a zero app fee.
func WithAppFee(maxLamports uint64, treasuries ...chain.PublicKey) GatekeeperOption {
	return func(g *Gatekeeper) {
		g.appFeeCap = maxLamports
		for _, t := range treasuries {
			g.appTreasuries[t] = struct{}{}
		}
	}
}

func NewGatekeeper(signer ports.Signer, logger watermill.LoggerAdapter, opts ...GatekeeperOption) *Gatekeeper {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	g := &Gatekeeper{
		signer:           signer,
		logger:           logger,
		protocolTreasury: record.DefaultProtocolTreasury,
		appTreasuries:    make(map[chain.PublicKey]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// PublicKey returns the platform key
func (g *Gatekeeper) PublicKey() chain.PublicKey {
	return g.signer.PublicKey()
}

// CoSign validates the serialized transaction and returns it with the platform signature added
func (g *Gatekeeper) CoSign(ctx context.Context, serialized []byte) ([]byte, error) {
	tx := &chain.Transaction{}
	if err := tx.UnmarshalBinary(serialized); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrGatekeeperRejected, err)
	}

	parsed, err := g.validate(tx)
	if err != nil {
		g.logger.Info("Refused to co-sign", watermill.LogFields{"reason": err.Error()})
		return nil, err
	}

	if err := g.signer.SignTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	out, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}

	g.logger.Info("Co-signed verification", watermill.LogFields{
		"kind":      parsed.Kind,
		"authority": parsed.Accounts.Authority.String(),
		"over18":    parsed.Args.Over18,
		"app_fee":   parsed.Args.AppFee,
	})
	return out, nil
}

func rejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrGatekeeperRejected, fmt.Sprintf(format, args...))
}

// validate accepts compute budget instructions plus exactly one registry
// create or update naming this gatekeeper. The platform key must sign but
// never pay.
func (g *Gatekeeper) validate(tx *chain.Transaction) (*record.ParsedInstruction, error) {
	key := g.PublicKey()

	i := tx.Message.AccountIndex(key)
	if i < 0 || !tx.Message.IsSigner(i) {
		return nil, rejected("platform key is not a required signer")
	}
	if i == 0 || tx.Message.FeePayer() == key {
		return nil, rejected("platform key cannot be the fee payer")
	}

	var parsed *record.ParsedInstruction
	for n, ci := range tx.Message.Instructions {
		ix, err := tx.Message.Decompile(ci)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrGatekeeperRejected, err)
		}
		switch ix.ProgramID {
		case chain.ComputeBudgetProgramID:
			continue
		case record.ProgramID:
		default:
			return nil, rejected("instruction %d calls program %s", n, ix.ProgramID)
		}

		p, err := record.ParseInstruction(ix)
		if err != nil {
			return nil, fmt.Errorf("%w: instruction %d: %w", core.ErrGatekeeperRejected, n, err)
		}
		if p.Kind == record.KindClose {
			return nil, rejected("instruction %d closes a record", n)
		}
		if parsed != nil {
			return nil, rejected("more than one verification instruction")
		}
		parsed = p
	}
	if parsed == nil {
		return nil, rejected("no verification instruction for program %s", record.ProgramID)
	}

	if err := g.checkAccounts(parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

func (g *Gatekeeper) checkAccounts(p *record.ParsedInstruction) error {
	key := g.PublicKey()
	accounts := p.Accounts

	if accounts.Gatekeeper != key {
		return rejected("instruction names gatekeeper %s", accounts.Gatekeeper)
	}
	if accounts.Payer == key || accounts.Authority == key {
		return rejected("platform key cannot pay or own a record")
	}
	if accounts.ProtocolTreasury != g.protocolTreasury {
		return rejected("unexpected protocol treasury %s", accounts.ProtocolTreasury)
	}

	if p.Args.AppFee == 0 {
		return nil
	}
	if len(g.appTreasuries) == 0 {
		return rejected("app fee %d lamports without a configured app", p.Args.AppFee)
	}
	if _, ok := g.appTreasuries[accounts.AppTreasury]; !ok {
		return rejected("unknown app treasury %s", accounts.AppTreasury)
	}
	if p.Args.AppFee > g.appFeeCap {
		return rejected("app fee %d lamports exceeds cap %d", p.Args.AppFee, g.appFeeCap)
	}
	return nil
}

var _ ports.CoSigner = (*Gatekeeper)(nil)
