package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/layer-3/ageverify/chain"
)

// InstructionKind names a registry program instruction
type InstructionKind string

const (
	KindCreate InstructionKind = "create_verification"
	KindUpdate InstructionKind = "update_verification"
	KindClose  InstructionKind = "close_verification"
)

var (
	CreateDiscriminator = discriminator("global:" + string(KindCreate))
	UpdateDiscriminator = discriminator("global:" + string(KindUpdate))
	CloseDiscriminator  = discriminator("global:" + string(KindClose))
)

const argsLength = FacehashLength + 8 + 1 + 8

// Program error codes
const (
	ErrCodeStillValid        = 6000
	ErrCodeTimestampOverflow = 6001
)

var ErrUnknownInstruction = errors.New("unknown registry instruction")

// Args are the create and update instruction arguments
type Args struct {
	Facehash   [FacehashLength]byte
	VerifiedAt int64
	Over18     bool
	AppFee     uint64
}

// Accounts are the parties a write instruction references
type Accounts struct {
	Authority        chain.PublicKey
	Payer            chain.PublicKey
	ProtocolTreasury chain.PublicKey
	AppTreasury      chain.PublicKey
	Gatekeeper       chain.PublicKey
}

func (a Accounts) withDefaults() Accounts {
	if a.Payer.IsZero() {
		a.Payer = a.Authority
	}
	if a.ProtocolTreasury.IsZero() {
		a.ProtocolTreasury = DefaultProtocolTreasury
	}
	if a.AppTreasury.IsZero() {
		a.AppTreasury = a.ProtocolTreasury
	}
	if a.Gatekeeper.IsZero() {
		a.Gatekeeper = DefaultGatekeeper
	}
	return a
}

// CreateInstruction initializes the record for accounts.Authority
func CreateInstruction(accounts Accounts, args Args) (chain.Instruction, error) {
	return writeInstruction(CreateDiscriminator, accounts, args)
}

// UpdateInstruction rewrites an expired record for accounts.Authority
func UpdateInstruction(accounts Accounts, args Args) (chain.Instruction, error) {
	return writeInstruction(UpdateDiscriminator, accounts, args)
}

func writeInstruction(disc [DiscriminatorLength]byte, accounts Accounts, args Args) (chain.Instruction, error) {
	accounts = accounts.withDefaults()
	address, _, err := DeriveAddress(accounts.Authority)
	if err != nil {
		return chain.Instruction{}, fmt.Errorf("failed to derive record address: %w", err)
	}

	data := make([]byte, 0, DiscriminatorLength+argsLength)
	data = append(data, disc[:]...)
	data = append(data, args.Facehash[:]...)
	data = binary.LittleEndian.AppendUint64(data, uint64(args.VerifiedAt))
	if args.Over18 {
		data = append(data, 1)
	} else {
		data = append(data, 0)
	}
	data = binary.LittleEndian.AppendUint64(data, args.AppFee)

	return chain.Instruction{
		ProgramID: ProgramID,
		Accounts: []chain.AccountMeta{
			chain.Meta(address, false, true),
			chain.Meta(accounts.Authority, true, false),
			chain.Meta(accounts.Payer, true, true),
			chain.Meta(accounts.ProtocolTreasury, false, true),
			chain.Meta(accounts.AppTreasury, false, true),
			chain.Meta(accounts.Gatekeeper, true, false),
			chain.Meta(chain.SystemProgramID, false, false),
		},
		Data: data,
	}, nil
}

// CloseInstruction closes the record and returns its rent to payer
func CloseInstruction(authority, payer chain.PublicKey) (chain.Instruction, error) {
	if payer.IsZero() {
		payer = authority
	}
	address, _, err := DeriveAddress(authority)
	if err != nil {
		return chain.Instruction{}, fmt.Errorf("failed to derive record address: %w", err)
	}
	return chain.Instruction{
		ProgramID: ProgramID,
		Accounts: []chain.AccountMeta{
			chain.Meta(address, false, true),
			chain.Meta(authority, true, false),
			chain.Meta(payer, true, true),
		},
		Data: append([]byte(nil), CloseDiscriminator[:]...),
	}, nil
}

// ParsedInstruction is a decoded registry instruction
type ParsedInstruction struct {
	Kind     InstructionKind
	Args     Args
	Record   chain.PublicKey
	Accounts Accounts
}

// ParseInstruction decodes a registry program instruction
func ParseInstruction(ix chain.Instruction) (*ParsedInstruction, error) {
	if ix.ProgramID != ProgramID {
		return nil, fmt.Errorf("%w: program %s", ErrUnknownInstruction, ix.ProgramID)
	}
	if len(ix.Data) < DiscriminatorLength {
		return nil, fmt.Errorf("%w: data too short", ErrUnknownInstruction)
	}

	disc := ix.Data[:DiscriminatorLength]
	parsed := &ParsedInstruction{}
	switch {
	case bytes.Equal(disc, CreateDiscriminator[:]):
		parsed.Kind = KindCreate
	case bytes.Equal(disc, UpdateDiscriminator[:]):
		parsed.Kind = KindUpdate
	case bytes.Equal(disc, CloseDiscriminator[:]):
		parsed.Kind = KindClose
		if len(ix.Accounts) < 3 {
			return nil, fmt.Errorf("%w: close needs 3 accounts", ErrUnknownInstruction)
		}
		parsed.Record = ix.Accounts[0].PublicKey
		parsed.Accounts.Authority = ix.Accounts[1].PublicKey
		parsed.Accounts.Payer = ix.Accounts[2].PublicKey
		return parsed, nil
	default:
		return nil, fmt.Errorf("%w: discriminator %x", ErrUnknownInstruction, disc)
	}

	args := ix.Data[DiscriminatorLength:]
	if len(args) != argsLength {
		return nil, fmt.Errorf("%w: args are %d bytes, want %d", ErrUnknownInstruction, len(args), argsLength)
	}
	copy(parsed.Args.Facehash[:], args[:FacehashLength])
	parsed.Args.VerifiedAt = int64(binary.LittleEndian.Uint64(args[FacehashLength:]))
	parsed.Args.Over18 = args[FacehashLength+8] == 1
	parsed.Args.AppFee = binary.LittleEndian.Uint64(args[FacehashLength+9:])

	if len(ix.Accounts) < 7 {
		return nil, fmt.Errorf("%w: write needs 7 accounts, got %d", ErrUnknownInstruction, len(ix.Accounts))
	}
	parsed.Record = ix.Accounts[0].PublicKey
	parsed.Accounts = Accounts{
		Authority:        ix.Accounts[1].PublicKey,
		Payer:            ix.Accounts[2].PublicKey,
		ProtocolTreasury: ix.Accounts[3].PublicKey,
		AppTreasury:      ix.Accounts[4].PublicKey,
		Gatekeeper:       ix.Accounts[5].PublicKey,
	}
	return parsed, nil
}

// IsStillValidError reports whether ledger logs carry the program's
// "verification still valid" rejection
func IsStillValidError(logs []string) bool {
	for _, line := range logs {
		if strings.Contains(line, "VerificationStillValid") ||
			strings.Contains(line, fmt.Sprintf("custom program error: 0x%x", ErrCodeStillValid)) {
			return true
		}
	}
	return false
}
