package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrSensorUnavailable   = errors.New("sensor unavailable")
	ErrModelLoadTimeout    = errors.New("model load timed out")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrMalformedRecord     = errors.New("malformed verification record")
	ErrFingerprintFailed   = errors.New("fingerprint computation failed")
	ErrSigningFailed       = errors.New("signing failed")
	ErrBroadcastFailed     = errors.New("transaction broadcast failed")
	ErrConfirmationTimeout = errors.New("transaction confirmation timed out")
	ErrCooldownActive      = errors.New("cooldown active")
	ErrNoHealthyEndpoint   = errors.New("no rpc endpoint available")
	ErrSessionTimeout      = errors.New("verification session timed out")
	ErrAborted             = errors.New("verification aborted")
	ErrRecordStillValid    = errors.New("verification is still valid")
	ErrRecordNotFound      = errors.New("verification record not found")
	ErrGatekeeperRejected  = errors.New("gatekeeper rejected transaction")
	ErrVerificationFailed  = errors.New("verification criteria not met")
)

// InsufficientBalanceError reports the wallet balance shortfall, in SOL
type InsufficientBalanceError struct {
	Balance   decimal.Decimal
	Required  decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: found %s SOL, need %s SOL (short %s SOL)",
		e.Balance.String(), e.Required.String(), e.Shortfall.String())
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// CooldownError is returned while a wallet is cooling down after too many failures
type CooldownError struct {
	Until     time.Time
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	minutes := int((e.Remaining + time.Minute - 1) / time.Minute)
	return fmt.Sprintf("cooldown active, try again in %d minute(s)", minutes)
}

func (e *CooldownError) Is(target error) bool {
	return target == ErrCooldownActive
}

// SignerParty names a participant in the signing sequence
type SignerParty string

const (
	PartyGatekeeper SignerParty = "gatekeeper"
	PartyUser       SignerParty = "user"
	PartySponsor    SignerParty = "sponsor"
)

// SigningError is a signing failure attributed to one party
type SigningError struct {
	Party SignerParty
	Err   error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("%s signing failed: %v", e.Party, e.Err)
}

func (e *SigningError) Is(target error) bool {
	return target == ErrSigningFailed
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// BroadcastError carries the ledger execution logs of a failed transaction
type BroadcastError struct {
	Signature string
	Logs      []string
	Err       error
}

func (e *BroadcastError) Error() string {
	msg := "transaction broadcast failed"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Logs) > 0 {
		logs := e.Logs
		if len(logs) > 5 {
			logs = logs[len(logs)-5:]
		}
		msg += " | Logs: " + strings.Join(logs, "; ")
	}
	return msg
}

func (e *BroadcastError) Is(target error) bool {
	return target == ErrBroadcastFailed
}

func (e *BroadcastError) Unwrap() error {
	return e.Err
}
