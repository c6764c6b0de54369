package ports

import (
	"context"
	"time"
)

// VerificationEvent is published once per finished verification session
type VerificationEvent struct {
	SessionID     string    `json:"session_id"`
	Wallet        string    `json:"wallet"`
	Over18        bool      `json:"over18"`
	Cached        bool      `json:"cached"`
	Reason        string    `json:"reason,omitempty"`
	TxSignature   string    `json:"tx_signature,omitempty"`
	AgeEstimate   float64   `json:"age_estimate"`
	LivenessScore float64   `json:"liveness_score"`
	SurfaceScore  *float64  `json:"surface_score,omitempty"`
	AgeConfidence float64   `json:"age_confidence"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// EventPublisher publishes verification outcomes to other services
type EventPublisher interface {
	PublishVerification(ctx context.Context, event VerificationEvent) error
}
