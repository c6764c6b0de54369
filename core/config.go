package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// VerifyConfig is the explicit configuration of a verification session
type VerifyConfig struct {
	// Decision thresholds
	MinAgeThreshold  float64
	MinLivenessScore float64
	MinAgeConfidence float64
	MinSurfaceScore  float64

	// Session timeout for the whole challenge loop
	Timeout time.Duration

	// Retry and cooldown policy
	MaxRetries      int
	CooldownMinutes int

	// Fees in SOL
	ProtocolFee decimal.Decimal
	AppFee      decimal.Decimal
	GasBuffer   decimal.Decimal

	// Challenges overrides the generated sequence when non-empty
	Challenges []ChallengeKind

	// Sensor model loading
	ModelPath        string
	ModelLoadTimeout time.Duration
	ModelRetryDelay  time.Duration
}

// DefaultVerifyConfig returns the default session configuration
func DefaultVerifyConfig() VerifyConfig {
	return VerifyConfig{
		MinAgeThreshold:  18,
		MinLivenessScore: 0.90,
		MinAgeConfidence: 0.70,
		MinSurfaceScore:  0.40,
		Timeout:          90 * time.Second,
		MaxRetries:       3,
		CooldownMinutes:  15,
		ProtocolFee:      decimal.RequireFromString("0.0005"),
		AppFee:           decimal.Zero,
		GasBuffer:        decimal.RequireFromString("0.0005"),
		ModelPath:        "/models",
		ModelLoadTimeout: 15 * time.Second,
		ModelRetryDelay:  10 * time.Second,
	}
}

// Cooldown returns the cooldown window as a duration
func (c VerifyConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// Validate performs basic validation of the config
func (c VerifyConfig) Validate() error {
	if c.MinAgeThreshold <= 0 {
		return fmt.Errorf("min age threshold must be positive, got %v", c.MinAgeThreshold)
	}
	for name, v := range map[string]float64{
		"min liveness score": c.MinLivenessScore,
		"min age confidence": c.MinAgeConfidence,
		"min surface score":  c.MinSurfaceScore,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, v)
		}
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	if c.CooldownMinutes < 0 {
		return fmt.Errorf("cooldown minutes must not be negative")
	}
	if c.ProtocolFee.IsNegative() || c.AppFee.IsNegative() || c.GasBuffer.IsNegative() {
		return fmt.Errorf("fees must not be negative")
	}
	for _, k := range c.Challenges {
		if !k.Valid() {
			return fmt.Errorf("unknown challenge %q", k)
		}
	}
	return nil
}
