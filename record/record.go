// Package record encodes and decodes the on-ledger verification record and
// builds the registry program's instructions.
package record

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/ageverify/core"
)

const (
	DiscriminatorLength = 8
	FacehashLength      = 32
	UserCodeLength      = 5

	// MinSize is a record with an empty user code
	MinSize = DiscriminatorLength + FacehashLength + 4 + 1 + 8 + 8 + 1
	// Size is the space the program allocates for every record
	Size = MinSize + UserCodeLength
)

const (
	AdultValidity = 90 * 24 * time.Hour
	MinorValidity = 30 * 24 * time.Hour
)

// AccountDiscriminator prefixes every VerificationRecord account
var AccountDiscriminator = discriminator("account:VerificationRecord")

func discriminator(preimage string) [DiscriminatorLength]byte {
	sum := sha256.Sum256([]byte(preimage))
	var d [DiscriminatorLength]byte
	copy(d[:], sum[:DiscriminatorLength])
	return d
}

// Record is the attestation stored at the wallet's derived address
type Record struct {
	Facehash   [FacehashLength]byte
	UserCode   string
	Over18     bool
	VerifiedAt int64
	ExpiresAt  int64
	Bump       uint8

	// trailing holds the bytes Decode found after the record
	trailing []byte
}

// Decode parses account data. Trailing bytes after the record are allowed
// because the program allocates room for a full user code.
func Decode(data []byte) (*Record, error) {
	if len(data) < MinSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", core.ErrMalformedRecord, len(data), MinSize)
	}
	if !bytes.Equal(data[:DiscriminatorLength], AccountDiscriminator[:]) {
		return nil, fmt.Errorf("%w: unexpected discriminator %x", core.ErrMalformedRecord, data[:DiscriminatorLength])
	}

	r := &Record{}
	off := DiscriminatorLength
	copy(r.Facehash[:], data[off:off+FacehashLength])
	off += FacehashLength

	codeLen := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if codeLen > UserCodeLength || off+codeLen+18 > len(data) {
		return nil, fmt.Errorf("%w: user code length %d exceeds account data", core.ErrMalformedRecord, codeLen)
	}
	r.UserCode = string(data[off : off+codeLen])
	off += codeLen

	switch data[off] {
	case 0:
	case 1:
		r.Over18 = true
	default:
		return nil, fmt.Errorf("%w: invalid bool %d", core.ErrMalformedRecord, data[off])
	}
	off++

	r.VerifiedAt = int64(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	r.ExpiresAt = int64(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	r.Bump = data[off]
	off++

	if off < len(data) {
		r.trailing = append([]byte(nil), data[off:]...)
	}
	return r, nil
}

// Encode serializes the record followed by any trailing bytes it was decoded
// with, so Encode is the exact inverse of Decode
func (r *Record) Encode() ([]byte, error) {
	buf, err := r.encode()
	if err != nil {
		return nil, err
	}
	return append(buf, r.trailing...), nil
}

// EncodeAccount serializes the record as a fresh account of the allocated
// Size, zero padded after a short user code
func (r *Record) EncodeAccount() ([]byte, error) {
	buf, err := r.encode()
	if err != nil {
		return nil, err
	}
	for len(buf) < Size {
		buf = append(buf, 0)
	}
	return buf, nil
}

func (r *Record) encode() ([]byte, error) {
	if len(r.UserCode) > UserCodeLength {
		return nil, fmt.Errorf("%w: user code %q too long", core.ErrMalformedRecord, r.UserCode)
	}

	buf := make([]byte, 0, Size)
	buf = append(buf, AccountDiscriminator[:]...)
	buf = append(buf, r.Facehash[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.UserCode)))
	buf = append(buf, r.UserCode...)
	if r.Over18 {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.VerifiedAt))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.ExpiresAt))
	buf = append(buf, r.Bump)
	return buf, nil
}

// Validate checks the invariants of a freshly written record
func (r *Record) Validate() error {
	if r.ExpiresAt <= r.VerifiedAt {
		return fmt.Errorf("%w: expires_at %d not after verified_at %d", core.ErrMalformedRecord, r.ExpiresAt, r.VerifiedAt)
	}
	if r.Over18 && len(r.UserCode) != UserCodeLength {
		return fmt.Errorf("%w: adult record needs a %d character user code", core.ErrMalformedRecord, UserCodeLength)
	}
	if !r.Over18 && r.UserCode != "" {
		return fmt.Errorf("%w: user code set on a failed record", core.ErrMalformedRecord)
	}
	return nil
}

// Active reports whether the record has not yet expired at now
func (r *Record) Active(now time.Time) bool {
	return r.ExpiresAt > now.Unix()
}

// FacehashHex returns the fingerprint as lowercase hex
func (r *Record) FacehashHex() string {
	return common.Bytes2Hex(r.Facehash[:])
}

func (r *Record) VerifiedTime() time.Time {
	return time.Unix(r.VerifiedAt, 0).UTC()
}

func (r *Record) ExpiresTime() time.Time {
	return time.Unix(r.ExpiresAt, 0).UTC()
}

// Validity returns how long a record written with the given verdict stays active
func Validity(over18 bool) time.Duration {
	if over18 {
		return AdultValidity
	}
	return MinorValidity
}
