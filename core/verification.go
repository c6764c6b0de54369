package core

import "time"

// Evidence is the finalized, averaged evidence of a verification session
type Evidence struct {
	AgeEstimate          float64           `json:"age_estimate"`
	AgeEstimateGeometric *float64          `json:"age_estimate_geometric,omitempty"`
	AgeEstimateEnhanced  *float64          `json:"age_estimate_enhanced,omitempty"`
	AgeConfidence        float64           `json:"age_confidence"`
	LivenessScore        float64           `json:"liveness_score"`
	SurfaceScore         *float64          `json:"surface_score,omitempty"`
	SurfaceFeatures      *SurfaceFeatures  `json:"surface_features,omitempty"`
	AgeMethod            AgeMethod         `json:"age_method"`
	Challenges           []ChallengeResult `json:"challenges"`
	SaltHex              string            `json:"salt_hex"`
	SessionNonceHex      string            `json:"session_nonce_hex"`

	// Embedding is the last biometric embedding seen; never serialized
	Embedding []float32 `json:"-"`
}

// VerifyResult is returned for every verification session, successful or not
type VerifyResult struct {
	SessionID       string    `json:"session_id"`
	Over18          bool      `json:"over18"`
	Facehash        string    `json:"facehash"`
	Description     string    `json:"description"`
	VerifiedAt      time.Time `json:"verified_at"`
	ProtocolFeePaid bool      `json:"protocol_fee_paid"`
	AppFeePaid      bool      `json:"app_fee_paid"`
	TxSignature     string    `json:"tx_signature,omitempty"`
	UserCode        string    `json:"user_code,omitempty"`
	Bump            *uint8    `json:"bump,omitempty"`
	Cached          bool      `json:"cached"`
	Evidence        Evidence  `json:"evidence"`

	// Failure holds the typed error behind a failed result
	Failure error `json:"-"`
}

// Fail turns the result into a failure carrying err. The fingerprint is always blanked.
func (r *VerifyResult) Fail(reason string, err error) *VerifyResult {
	r.Over18 = false
	r.Facehash = ""
	r.Failure = err
	switch {
	case reason != "":
		r.Description = reason
	case err != nil:
		r.Description = err.Error()
	default:
		r.Description = "Verification Failed"
	}
	return r
}

// RetryState is the per-wallet retry and cooldown bookkeeping
type RetryState struct {
	RetryCount     int   `json:"retry_count"`
	CooldownUntil  int64 `json:"cooldown_until"` // unix milliseconds
	CooldownRounds int   `json:"cooldown_rounds"`
}

// CooldownActive reports whether the cooldown window is still open at now
func (s RetryState) CooldownActive(now time.Time) bool {
	return s.CooldownUntil > now.UnixMilli()
}

// CooldownRemaining returns the time left in the cooldown window, or zero
func (s RetryState) CooldownRemaining(now time.Time) time.Duration {
	if !s.CooldownActive(now) {
		return 0
	}
	return time.Duration(s.CooldownUntil-now.UnixMilli()) * time.Millisecond
}
