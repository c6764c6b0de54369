package chain

import (
	"errors"
	"fmt"
)

// MessageVersion distinguishes legacy messages from versioned ones
type MessageVersion int

const (
	MessageLegacy MessageVersion = -1
	MessageV0     MessageVersion = 0
)

const versionPrefix = 0x80

var (
	ErrTooManyAccounts    = errors.New("too many account keys")
	ErrUnsupportedVersion = errors.New("unsupported message version")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrNoFeePayer         = errors.New("fee payer is required")
)

// MessageHeader counts the signer and read-only sections of the account list
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// CompiledInstruction references accounts by index into Message.AccountKeys
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// AddressTableLookup is carried for round-tripping v0 messages built elsewhere.
// Messages compiled by this package never use lookup tables.
type AddressTableLookup struct {
	AccountKey      PublicKey
	WritableIndexes []uint8
	ReadonlyIndexes []uint8
}

// Message is the signed portion of a transaction
type Message struct {
	Version             MessageVersion
	Header              MessageHeader
	AccountKeys         []PublicKey
	RecentBlockhash     Hash
	Instructions        []CompiledInstruction
	AddressTableLookups []AddressTableLookup
}

type keyFlags struct {
	signer   bool
	writable bool
}

// NewMessage compiles instructions into a v0 message. Accounts are ordered
// writable signers, read-only signers, writable non-signers, read-only
// non-signers, with the fee payer always first.
func NewMessage(payer PublicKey, instructions []Instruction, blockhash Hash) (*Message, error) {
	if payer.IsZero() {
		return nil, ErrNoFeePayer
	}

	order := []PublicKey{payer}
	flags := map[PublicKey]*keyFlags{payer: {signer: true, writable: true}}
	touch := func(key PublicKey, signer, writable bool) {
		f, ok := flags[key]
		if !ok {
			f = &keyFlags{}
			flags[key] = f
			order = append(order, key)
		}
		f.signer = f.signer || signer
		f.writable = f.writable || writable
	}
	for _, ix := range instructions {
		for _, acc := range ix.Accounts {
			touch(acc.PublicKey, acc.IsSigner, acc.IsWritable)
		}
		touch(ix.ProgramID, false, false)
	}

	var ws, rs, wn, rn []PublicKey
	for _, key := range order {
		f := flags[key]
		switch {
		case f.signer && f.writable:
			ws = append(ws, key)
		case f.signer:
			rs = append(rs, key)
		case f.writable:
			wn = append(wn, key)
		default:
			rn = append(rn, key)
		}
	}

	keys := make([]PublicKey, 0, len(order))
	keys = append(keys, ws...)
	keys = append(keys, rs...)
	keys = append(keys, wn...)
	keys = append(keys, rn...)
	if len(keys) > 256 {
		return nil, fmt.Errorf("%w: %d", ErrTooManyAccounts, len(keys))
	}

	index := make(map[PublicKey]uint8, len(keys))
	for i, key := range keys {
		index[key] = uint8(i)
	}

	msg := &Message{
		Version: MessageV0,
		Header: MessageHeader{
			NumRequiredSignatures:       uint8(len(ws) + len(rs)),
			NumReadonlySignedAccounts:   uint8(len(rs)),
			NumReadonlyUnsignedAccounts: uint8(len(rn)),
		},
		AccountKeys:     keys,
		RecentBlockhash: blockhash,
	}
	for _, ix := range instructions {
		compiled := CompiledInstruction{
			ProgramIDIndex: index[ix.ProgramID],
			Accounts:       make([]uint8, len(ix.Accounts)),
			Data:           append([]byte(nil), ix.Data...),
		}
		for i, acc := range ix.Accounts {
			compiled.Accounts[i] = index[acc.PublicKey]
		}
		msg.Instructions = append(msg.Instructions, compiled)
	}
	return msg, nil
}

// FeePayer returns the first account key
func (m *Message) FeePayer() PublicKey {
	if len(m.AccountKeys) == 0 {
		return PublicKey{}
	}
	return m.AccountKeys[0]
}

// Signers returns the keys that must sign, in signature order
func (m *Message) Signers() []PublicKey {
	n := int(m.Header.NumRequiredSignatures)
	if n > len(m.AccountKeys) {
		n = len(m.AccountKeys)
	}
	return m.AccountKeys[:n]
}

// IsSigner reports whether the static account at index i must sign
func (m *Message) IsSigner(i int) bool {
	return i >= 0 && i < int(m.Header.NumRequiredSignatures)
}

// IsWritable reports whether the static account at index i is writable
func (m *Message) IsWritable(i int) bool {
	if i < 0 || i >= len(m.AccountKeys) {
		return false
	}
	signers := int(m.Header.NumRequiredSignatures)
	if i < signers {
		return i < signers-int(m.Header.NumReadonlySignedAccounts)
	}
	return i < len(m.AccountKeys)-int(m.Header.NumReadonlyUnsignedAccounts)
}

// AccountIndex returns the index of key among the static accounts, or -1
func (m *Message) AccountIndex(key PublicKey) int {
	for i, k := range m.AccountKeys {
		if k == key {
			return i
		}
	}
	return -1
}

// Decompile resolves a compiled instruction back into keys and flags.
// Indexes that point into address lookup tables are rejected.
func (m *Message) Decompile(ci CompiledInstruction) (Instruction, error) {
	if int(ci.ProgramIDIndex) >= len(m.AccountKeys) {
		return Instruction{}, fmt.Errorf("%w: program index %d out of range", ErrMalformedMessage, ci.ProgramIDIndex)
	}
	ix := Instruction{
		ProgramID: m.AccountKeys[ci.ProgramIDIndex],
		Accounts:  make([]AccountMeta, len(ci.Accounts)),
		Data:      ci.Data,
	}
	for i, idx := range ci.Accounts {
		if int(idx) >= len(m.AccountKeys) {
			return Instruction{}, fmt.Errorf("%w: account index %d out of range", ErrMalformedMessage, idx)
		}
		ix.Accounts[i] = Meta(m.AccountKeys[idx], m.IsSigner(int(idx)), m.IsWritable(int(idx)))
	}
	return ix, nil
}

// MarshalBinary encodes the message in wire format
func (m *Message) MarshalBinary() ([]byte, error) {
	if len(m.AccountKeys) > 256 {
		return nil, fmt.Errorf("%w: %d", ErrTooManyAccounts, len(m.AccountKeys))
	}

	buf := make([]byte, 0, 64+len(m.AccountKeys)*PublicKeyLength)
	switch m.Version {
	case MessageLegacy:
	case MessageV0:
		buf = append(buf, versionPrefix)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.Version)
	}

	buf = append(buf,
		m.Header.NumRequiredSignatures,
		m.Header.NumReadonlySignedAccounts,
		m.Header.NumReadonlyUnsignedAccounts,
	)
	buf = appendCompactU16(buf, len(m.AccountKeys))
	for _, key := range m.AccountKeys {
		buf = append(buf, key[:]...)
	}
	buf = append(buf, m.RecentBlockhash[:]...)

	buf = appendCompactU16(buf, len(m.Instructions))
	for _, ix := range m.Instructions {
		buf = append(buf, ix.ProgramIDIndex)
		buf = appendCompactU16(buf, len(ix.Accounts))
		buf = append(buf, ix.Accounts...)
		buf = appendCompactU16(buf, len(ix.Data))
		buf = append(buf, ix.Data...)
	}

	if m.Version == MessageV0 {
		buf = appendCompactU16(buf, len(m.AddressTableLookups))
		for _, l := range m.AddressTableLookups {
			buf = append(buf, l.AccountKey[:]...)
			buf = appendCompactU16(buf, len(l.WritableIndexes))
			buf = append(buf, l.WritableIndexes...)
			buf = appendCompactU16(buf, len(l.ReadonlyIndexes))
			buf = append(buf, l.ReadonlyIndexes...)
		}
	}
	return buf, nil
}

// UnmarshalBinary decodes a wire-format message, legacy or v0
func (m *Message) UnmarshalBinary(data []byte) error {
	d := &decoder{buf: data}
	if err := m.decode(d); err != nil {
		return err
	}
	if d.remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, d.remaining())
	}
	return nil
}

func (m *Message) decode(d *decoder) error {
	*m = Message{Version: MessageLegacy}

	first := d.readByte()
	if first&versionPrefix != 0 {
		version := first &^ versionPrefix
		if version != 0 {
			return fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
		}
		m.Version = MessageV0
		m.Header.NumRequiredSignatures = d.readByte()
	} else {
		m.Header.NumRequiredSignatures = first
	}
	m.Header.NumReadonlySignedAccounts = d.readByte()
	m.Header.NumReadonlyUnsignedAccounts = d.readByte()

	numKeys := d.readCompactU16()
	if d.err == nil && numKeys > 256 {
		return fmt.Errorf("%w: %d", ErrTooManyAccounts, numKeys)
	}
	m.AccountKeys = make([]PublicKey, numKeys)
	for i := range m.AccountKeys {
		copy(m.AccountKeys[i][:], d.readBytes(PublicKeyLength))
	}
	copy(m.RecentBlockhash[:], d.readBytes(HashLength))

	numIx := d.readCompactU16()
	for i := 0; i < numIx && d.err == nil; i++ {
		var ix CompiledInstruction
		ix.ProgramIDIndex = d.readByte()
		ix.Accounts = append([]uint8(nil), d.readBytes(d.readCompactU16())...)
		ix.Data = append([]byte(nil), d.readBytes(d.readCompactU16())...)
		m.Instructions = append(m.Instructions, ix)
	}

	if m.Version == MessageV0 {
		numLookups := d.readCompactU16()
		for i := 0; i < numLookups && d.err == nil; i++ {
			var l AddressTableLookup
			copy(l.AccountKey[:], d.readBytes(PublicKeyLength))
			l.WritableIndexes = append([]uint8(nil), d.readBytes(d.readCompactU16())...)
			l.ReadonlyIndexes = append([]uint8(nil), d.readBytes(d.readCompactU16())...)
			m.AddressTableLookups = append(m.AddressTableLookups, l)
		}
	}

	if d.err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, d.err)
	}
	if int(m.Header.NumRequiredSignatures) > len(m.AccountKeys) {
		return fmt.Errorf("%w: header requires %d signatures for %d keys",
			ErrMalformedMessage, m.Header.NumRequiredSignatures, len(m.AccountKeys))
	}
	return nil
}
