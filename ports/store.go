package ports

import (
	"context"

	"github.com/layer-3/ageverify/core"
)

// RetryStore persists per-wallet retry and cooldown state
type RetryStore interface {
	// Get returns the stored state, or the zero state when none exists
	Get(ctx context.Context, wallet string) (core.RetryState, error)
	Set(ctx context.Context, wallet string, state core.RetryState) error
	Clear(ctx context.Context, wallet string) error
}
