package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/layer-3/ageverify/core"
	"github.com/layer-3/ageverify/ports"
)

// RetryPolicy applies the per-wallet retry limit and cooldown
type RetryPolicy struct {
	store      ports.RetryStore
	maxRetries int
	cooldown   time.Duration
	now        func() time.Time
	logger     watermill.LoggerAdapter
}

// NewRetryPolicy creates a policy from the session configuration
func NewRetryPolicy(store ports.RetryStore, cfg core.VerifyConfig, logger watermill.LoggerAdapter) *RetryPolicy {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &RetryPolicy{
		store:      store,
		maxRetries: cfg.MaxRetries,
		cooldown:   cfg.Cooldown(),
		now:        time.Now,
		logger:     logger,
	}
}

// WithClock replaces the wall clock, for tests
func (p *RetryPolicy) WithClock(now func() time.Time) *RetryPolicy {
	p.now = now
	return p
}

// Check returns the current state of wallet, or a *core.CooldownError while
// the wallet is cooling down
func (p *RetryPolicy) Check(ctx context.Context, wallet string) (core.RetryState, error) {
	state, err := p.store.Get(ctx, wallet)
	if err != nil {
		return core.RetryState{}, fmt.Errorf("failed to read retry state: %w", err)
	}
	now := p.now()
	if state.CooldownActive(now) {
		return state, &core.CooldownError{
			Until:     time.UnixMilli(state.CooldownUntil),
			Remaining: state.CooldownRemaining(now),
		}
	}
	return state, nil
}

// IsFinalStrike reports whether the next failure of a wallet in state is its
// last one: a failed verdict is then written on-chain instead of cooling down again
func (p *RetryPolicy) IsFinalStrike(state core.RetryState) bool {
	return state.CooldownRounds >= 2 && state.RetryCount+1 >= p.maxRetries
}

// RecordFailure counts a failed attempt and opens a cooldown once the retry
// limit is reached
func (p *RetryPolicy) RecordFailure(ctx context.Context, wallet string) (core.RetryState, error) {
	state, err := p.store.Get(ctx, wallet)
	if err != nil {
		return core.RetryState{}, fmt.Errorf("failed to read retry state: %w", err)
	}

	state.RetryCount++
	if state.RetryCount >= p.maxRetries {
		state.CooldownUntil = p.now().UnixMilli() + p.cooldown.Milliseconds()
		state.RetryCount = 0
		state.CooldownRounds++
		p.logger.Info("Cooldown started", watermill.LogFields{
			"wallet": wallet,
			"until":  time.UnixMilli(state.CooldownUntil).UTC(),
			"rounds": state.CooldownRounds,
		})
	}

	if err := p.store.Set(ctx, wallet, state); err != nil {
		return core.RetryState{}, fmt.Errorf("failed to write retry state: %w", err)
	}
	return state, nil
}

// RecordSuccess clears the wallet's history
func (p *RetryPolicy) RecordSuccess(ctx context.Context, wallet string) error {
	if err := p.store.Clear(ctx, wallet); err != nil {
		return fmt.Errorf("failed to clear retry state: %w", err)
	}
	return nil
}
