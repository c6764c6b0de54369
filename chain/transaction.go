package chain

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrNotASigner       = errors.New("key is not a required signer")
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("signature verification failed")
)

// Transaction is a message together with one signature slot per required signer
type Transaction struct {
	Signatures []Signature
	Message    Message
}

// NewTransaction allocates empty signature slots for every required signer
func NewTransaction(msg *Message) *Transaction {
	return &Transaction{
		Signatures: make([]Signature, msg.Header.NumRequiredSignatures),
		Message:    *msg,
	}
}

// SignerIndex returns the signature slot for key, or -1
func (tx *Transaction) SignerIndex(key PublicKey) int {
	for i, k := range tx.Message.Signers() {
		if k == key {
			return i
		}
	}
	return -1
}

// AddSignature places sig in the slot that belongs to key
func (tx *Transaction) AddSignature(key PublicKey, sig Signature) error {
	i := tx.SignerIndex(key)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotASigner, key)
	}
	tx.Signatures[i] = sig
	return nil
}

// Sign signs the serialized message with priv and stores the signature
func (tx *Transaction) Sign(priv ed25519.PrivateKey) error {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return err
	}
	pub, err := PublicKeyFromBytes(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return err
	}
	var sig Signature
	copy(sig[:], ed25519.Sign(priv, msg))
	return tx.AddSignature(pub, sig)
}

// IsSignedBy reports whether key's slot holds a non-empty signature
func (tx *Transaction) IsSignedBy(key PublicKey) bool {
	i := tx.SignerIndex(key)
	return i >= 0 && !tx.Signatures[i].IsZero()
}

// Signature returns the transaction id: the first signature, base58 encoded
func (tx *Transaction) Signature() string {
	if len(tx.Signatures) == 0 {
		return ""
	}
	return tx.Signatures[0].String()
}

// VerifySignatures checks every signature slot against the message
func (tx *Transaction) VerifySignatures() error {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return err
	}
	for i, key := range tx.Message.Signers() {
		if i >= len(tx.Signatures) || tx.Signatures[i].IsZero() {
			return fmt.Errorf("%w: %s", ErrMissingSignature, key)
		}
		if !ed25519.Verify(ed25519.PublicKey(key[:]), msg, tx.Signatures[i][:]) {
			return fmt.Errorf("%w: %s", ErrBadSignature, key)
		}
	}
	return nil
}

// VerifySignature checks only the slot that belongs to key
func (tx *Transaction) VerifySignature(key PublicKey) error {
	i := tx.SignerIndex(key)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotASigner, key)
	}
	if tx.Signatures[i].IsZero() {
		return fmt.Errorf("%w: %s", ErrMissingSignature, key)
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(key[:]), msg, tx.Signatures[i][:]) {
		return fmt.Errorf("%w: %s", ErrBadSignature, key)
	}
	return nil
}

// SameMessage reports whether other carries a byte-identical message
func (tx *Transaction) SameMessage(other *Transaction) bool {
	a, errA := tx.Message.MarshalBinary()
	b, errB := other.Message.MarshalBinary()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// MarshalBinary encodes the transaction in wire format
func (tx *Transaction) MarshalBinary() ([]byte, error) {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+len(tx.Signatures)*SignatureLength+len(msg))
	buf = appendCompactU16(buf, len(tx.Signatures))
	for _, sig := range tx.Signatures {
		buf = append(buf, sig[:]...)
	}
	return append(buf, msg...), nil
}

// UnmarshalBinary decodes a wire-format transaction
func (tx *Transaction) UnmarshalBinary(data []byte) error {
	d := &decoder{buf: data}
	n := d.readCompactU16()
	sigs := make([]Signature, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		var sig Signature
		copy(sig[:], d.readBytes(SignatureLength))
		sigs = append(sigs, sig)
	}
	if d.err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, d.err)
	}

	var msg Message
	if err := msg.decode(d); err != nil {
		return err
	}
	if d.remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, d.remaining())
	}
	if len(sigs) != int(msg.Header.NumRequiredSignatures) {
		return fmt.Errorf("%w: %d signatures for %d required signers",
			ErrMalformedMessage, len(sigs), msg.Header.NumRequiredSignatures)
	}

	tx.Signatures = sigs
	tx.Message = msg
	return nil
}

// Base64 returns the wire encoding as standard base64, the form RPC nodes accept
func (tx *Transaction) Base64() (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// TransactionFromBase64 decodes a base64 wire-format transaction
func TransactionFromBase64(s string) (*Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	tx := new(Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return tx, nil
}
