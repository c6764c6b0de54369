package service

import (
	"context"
	"testing"
	"time"

	"github.com/layer-3/ageverify/chain"
	"github.com/layer-3/ageverify/core"
	"github.com/layer-3/ageverify/facehash"
	"github.com/layer-3/ageverify/internal/testutil"
	"github.com/layer-3/ageverify/ports"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ledger     *testutil.Ledger
	user       *chain.Keypair
	gatekeeper *Gatekeeper
	attestor   *Attestor
	now        time.Time
}

func newKeypair(t *testing.T) *chain.Keypair {
	t.Helper()
	k, err := chain.NewKeypair()
	require.NoError(t, err)
	return k
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger: testutil.NewLedger(),
		user:   newKeypair(t),
		now:    time.Unix(1_750_000_000, 0),
	}
	f.ledger.Now = func() time.Time { return f.now }
	f.ledger.Fund(f.user.PublicKey(), chain.LamportsPerSOL)

	f.gatekeeper = NewGatekeeper(newKeypair(t), nil)

	cfg := DefaultAttestorConfig(core.DefaultVerifyConfig())
	cfg.Gatekeeper = f.gatekeeper.PublicKey()
	cfg.ConfirmInterval = 0
	cfg.ConfirmAttempts = 5
	f.attestor = NewAttestor(f.ledger, f.gatekeeper, cfg, nil)
	f.attestor.now = func() time.Time { return f.now }
	return f
}

func sampleFacehash(t *testing.T, wallet string) facehash.Facehash {
	t.Helper()
	h, err := facehash.Compute(wallet, make([]byte, facehash.SaltLength), testutil.Embedding(0.3))
	require.NoError(t, err)
	return h
}

// alteringCoSigner signs a different message than the one it was given
type alteringCoSigner struct {
	inner ports.CoSigner
}

func (c alteringCoSigner) CoSign(ctx context.Context, serialized []byte) ([]byte, error) {
	tx := &chain.Transaction{}
	if err := tx.UnmarshalBinary(serialized); err != nil {
		return nil, err
	}
	tx.Message.RecentBlockhash[0] ^= 0xff
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return c.inner.CoSign(ctx, raw)
}

type failingSigner struct {
	key chain.PublicKey
	err error
}

func (s failingSigner) PublicKey() chain.PublicKey { return s.key }

func (s failingSigner) SignTransaction(context.Context, *chain.Transaction) error { return s.err }
