package service

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/layer-3/ageverify/chain"
	"github.com/layer-3/ageverify/core"
	"github.com/layer-3/ageverify/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unsignedTx(t *testing.T, payer chain.PublicKey, ixs ...chain.Instruction) []byte {
	t.Helper()
	msg, err := chain.NewMessage(payer, ixs, chain.Hash{1})
	require.NoError(t, err)
	raw, err := chain.NewTransaction(msg).MarshalBinary()
	require.NoError(t, err)
	return raw
}

func TestGatekeeperCoSign(t *testing.T) {
	gk := NewGatekeeper(newKeypair(t), nil)
	user := newKeypair(t)

	ix, err := record.CreateInstruction(record.Accounts{Authority: user.PublicKey(), Gatekeeper: gk.PublicKey()}, record.Args{Over18: true})
	require.NoError(t, err)
	raw := unsignedTx(t, user.PublicKey(), chain.SetComputeUnitLimit(DefaultComputeUnitLimit), ix)

	signed, err := gk.CoSign(context.Background(), raw)
	require.NoError(t, err)

	tx := &chain.Transaction{}
	require.NoError(t, tx.UnmarshalBinary(signed))
	assert.NoError(t, tx.VerifySignature(gk.PublicKey()))
	assert.False(t, tx.IsSignedBy(user.PublicKey()))

	orig := &chain.Transaction{}
	require.NoError(t, orig.UnmarshalBinary(raw))
	assert.True(t, orig.SameMessage(tx))
}

func TestGatekeeperCoSignAllowedAppFee(t *testing.T) {
	app := newKeypair(t).PublicKey()
	gk := NewGatekeeper(newKeypair(t), nil, WithAppFee(2_000_000, app))
	user := newKeypair(t)

	ix, err := record.UpdateInstruction(
		record.Accounts{Authority: user.PublicKey(), AppTreasury: app, Gatekeeper: gk.PublicKey()},
		record.Args{Over18: true, AppFee: 2_000_000},
	)
	require.NoError(t, err)
	raw := unsignedTx(t, user.PublicKey(), chain.SetComputeUnitLimit(DefaultComputeUnitLimit), chain.SetComputeUnitPrice(5_000), ix)

	signed, err := gk.CoSign(context.Background(), raw)
	require.NoError(t, err)

	tx := &chain.Transaction{}
	require.NoError(t, tx.UnmarshalBinary(signed))
	assert.NoError(t, tx.VerifySignature(gk.PublicKey()))
}

// systemTransfer moves lamports from one account to another
func systemTransfer(from, to chain.PublicKey, lamports uint64) chain.Instruction {
	data := binary.LittleEndian.AppendUint32(nil, 2)
	data = binary.LittleEndian.AppendUint64(data, lamports)
	return chain.Instruction{
		ProgramID: chain.SystemProgramID,
		Accounts:  []chain.AccountMeta{chain.Meta(from, true, true), chain.Meta(to, false, true)},
		Data:      data,
	}
}

func TestGatekeeperRejects(t *testing.T) {
	app := newKeypair(t).PublicKey()
	gk := NewGatekeeper(newKeypair(t), nil, WithAppFee(1_000_000, app))
	noApp := NewGatekeeper(newKeypair(t), nil)
	user := newKeypair(t)
	other := newKeypair(t).PublicKey()

	write := func(gatekeeper chain.PublicKey, accounts record.Accounts, args record.Args) chain.Instruction {
		accounts.Gatekeeper = gatekeeper
		if accounts.Authority.IsZero() {
			accounts.Authority = user.PublicKey()
		}
		ix, err := record.CreateInstruction(accounts, args)
		require.NoError(t, err)
		return ix
	}
	create := func(gatekeeper chain.PublicKey) chain.Instruction {
		return write(gatekeeper, record.Accounts{}, record.Args{})
	}
	closeIx, err := record.CloseInstruction(user.PublicKey(), chain.PublicKey{})
	require.NoError(t, err)

	// a gatekeeper signer that the program instruction does not name
	foreignIx := create(other)
	foreignIx.Accounts = append(foreignIx.Accounts, chain.Meta(gk.PublicKey(), true, false))

	second, err := record.UpdateInstruction(record.Accounts{Authority: other, Gatekeeper: gk.PublicKey()}, record.Args{})
	require.NoError(t, err)

	tests := []struct {
		name string
		gk   *Gatekeeper
		raw  []byte
	}{
		{"garbage", gk, []byte{1, 2, 3}},
		{"no registry instruction", gk, unsignedTx(t, user.PublicKey(), chain.SetComputeUnitLimit(1), chain.Instruction{
			ProgramID: chain.SystemProgramID,
			Accounts:  []chain.AccountMeta{chain.Meta(gk.PublicKey(), true, false)},
		})},
		{"gatekeeper not a signer", gk, unsignedTx(t, user.PublicKey(), create(other))},
		{"close only", gk, unsignedTx(t, user.PublicKey(), closeIx, chain.Instruction{
			ProgramID: chain.SystemProgramID,
			Accounts:  []chain.AccountMeta{chain.Meta(gk.PublicKey(), true, false)},
		})},
		{"close alongside a write", gk, unsignedTx(t, user.PublicKey(), create(gk.PublicKey()), closeIx)},
		{"names another gatekeeper", gk, unsignedTx(t, user.PublicKey(), foreignIx)},
		{"gatekeeper is the fee payer", gk, unsignedTx(t, gk.PublicKey(), create(gk.PublicKey()))},
		{"gatekeeper is the instruction payer", gk, unsignedTx(t, user.PublicKey(),
			write(gk.PublicKey(), record.Accounts{Payer: gk.PublicKey()}, record.Args{}))},
		{"gatekeeper is the authority", gk, unsignedTx(t, user.PublicKey(),
			write(gk.PublicKey(), record.Accounts{Authority: gk.PublicKey()}, record.Args{}))},
		{"transfer out of the gatekeeper", gk, unsignedTx(t, user.PublicKey(),
			create(gk.PublicKey()), systemTransfer(gk.PublicKey(), user.PublicKey(), chain.LamportsPerSOL))},
		{"unrelated transfer", gk, unsignedTx(t, user.PublicKey(),
			create(gk.PublicKey()), systemTransfer(user.PublicKey(), other, 1))},
		{"two registry writes", gk, unsignedTx(t, user.PublicKey(), create(gk.PublicKey()), second)},
		{"foreign protocol treasury", gk, unsignedTx(t, user.PublicKey(),
			write(gk.PublicKey(), record.Accounts{ProtocolTreasury: other}, record.Args{}))},
		{"app fee over the cap", gk, unsignedTx(t, user.PublicKey(),
			write(gk.PublicKey(), record.Accounts{AppTreasury: app}, record.Args{AppFee: 10 * chain.LamportsPerSOL}))},
		{"unknown app treasury", gk, unsignedTx(t, user.PublicKey(),
			write(gk.PublicKey(), record.Accounts{AppTreasury: other}, record.Args{AppFee: 1_000}))},
		{"app fee without a configured app", noApp, unsignedTx(t, user.PublicKey(),
			write(noApp.PublicKey(), record.Accounts{AppTreasury: app}, record.Args{AppFee: 1}))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.gk.CoSign(context.Background(), tt.raw)
			assert.ErrorIs(t, err, core.ErrGatekeeperRejected)
		})
	}
}
