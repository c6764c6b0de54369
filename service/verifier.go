package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"
	"github.com/layer-3/ageverify/core"
	"github.com/layer-3/ageverify/evidence"
	"github.com/layer-3/ageverify/facehash"
	"github.com/layer-3/ageverify/liveness"
	"github.com/layer-3/ageverify/ports"
	"github.com/layer-3/ageverify/record"
)

// CachedDescription is reported when an active record makes a new session unnecessary
const CachedDescription = "Existing verification is still valid"

// VerifyRequest starts a verification session for User
type VerifyRequest struct {
	User    ports.Signer
	Sponsor ports.Signer // optional

	// Challenges overrides the configured and generated sequence when non-empty
	Challenges []core.ChallengeKind
	OnProgress func(liveness.Progress)
}

// Verifier runs verification sessions: liveness challenges, the decision and the on-chain write
type Verifier struct {
	cfg       core.VerifyConfig
	runnerCfg liveness.RunnerConfig
	camera    ports.Camera
	sensor    ports.Sensor
	sequencer *liveness.Sequencer
	attestor  *Attestor
	retries   *RetryPolicy
	events    ports.EventPublisher
	now       func() time.Time
	logger    watermill.LoggerAdapter
}

// VerifierOption configures a Verifier
type VerifierOption func(*Verifier)

func WithRunnerConfig(cfg liveness.RunnerConfig) VerifierOption {
	return func(v *Verifier) { v.runnerCfg = cfg }
}

func WithSequencer(s *liveness.Sequencer) VerifierOption {
	return func(v *Verifier) { v.sequencer = s }
}

func WithEvents(events ports.EventPublisher) VerifierOption {
	return func(v *Verifier) { v.events = events }
}

func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a new verifier
func NewVerifier(
	cfg core.VerifyConfig,
	camera ports.Camera,
	sensor ports.Sensor,
	attestor *Attestor,
	retries *RetryPolicy,
	logger watermill.LoggerAdapter,
	opts ...VerifierOption,
) *Verifier {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	v := &Verifier{
		cfg:       cfg,
		runnerCfg: liveness.DefaultRunnerConfig(),
		camera:    camera,
		sensor:    sensor,
		attestor:  attestor,
		retries:   retries,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.sequencer == nil {
		v.sequencer = liveness.NewSequencer(nil)
	}
	return v
}

// session is the per-call state of Verify
type session struct {
	req    VerifyRequest
	wallet string
	result *core.VerifyResult
	fields watermill.LogFields

	// countFailure is set when the failure should count toward the retry limit
	countFailure bool
}

// Verify runs one session. The result is never nil; on failure Over18 is
// false, the fingerprint is blank and Failure carries the cause.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) *core.VerifyResult {
	s := &session{
		req:    req,
		wallet: req.User.PublicKey().String(),
		result: &core.VerifyResult{
			SessionID:  uuid.NewString(),
			VerifiedAt: v.now().UTC(),
			Evidence:   core.Evidence{AgeMethod: core.AgeMethodUnknown, Challenges: []core.ChallengeResult{}},
		},
	}
	s.fields = watermill.LogFields{"session_id": s.result.SessionID, "wallet": s.wallet}
	v.logger.Info("Verification started", s.fields)

	v.run(ctx, s)

	if s.result.Failure != nil {
		v.logger.Info("Verification failed", s.fields.Add(watermill.LogFields{"reason": s.result.Description}))
		if s.countFailure {
			if _, err := v.retries.RecordFailure(context.WithoutCancel(ctx), s.wallet); err != nil {
				v.logger.Error("Failed to record failure", err, s.fields)
			}
		}
	} else {
		v.logger.Info("Verification succeeded", s.fields.Add(watermill.LogFields{"cached": s.result.Cached}))
	}

	v.publish(ctx, s.result, s.wallet)
	return s.result
}

func (v *Verifier) run(ctx context.Context, s *session) {
	result := s.result

	state, err := v.retries.Check(ctx, s.wallet)
	if err != nil {
		if errors.Is(err, core.ErrCooldownActive) {
			result.Fail("", err)
			return
		}
		v.logger.Error("Retry state unavailable, continuing", err, s.fields)
	}

	existing, err := v.attestor.Preflight(ctx, s.req.User.PublicKey())
	if err != nil {
		v.logger.Error("Record pre-flight failed, continuing", err, s.fields)
	}
	if existing != nil && existing.Active(v.now()) {
		if existing.Over18 {
			v.cached(result, existing)
			return
		}
		result.Fail("", fmt.Errorf("%w until %s", core.ErrRecordStillValid, existing.ExpiresTime().Format(time.RFC3339)))
		return
	}

	payer := s.req.User
	if s.req.Sponsor != nil {
		payer = s.req.Sponsor
	}
	if err := v.attestor.CheckBalance(ctx, payer.PublicKey()); err != nil {
		if errors.Is(err, core.ErrInsufficientBalance) {
			result.Fail("", err)
			return
		}
		v.logger.Error("Balance check failed, continuing", err, s.fields)
	}

	release, err := v.acquire(ctx)
	defer release()
	if err != nil {
		result.Fail("", err)
		return
	}

	salt, err := facehash.NewSalt()
	if err != nil {
		result.Fail("", fmt.Errorf("%w: %w", core.ErrFingerprintFailed, err))
		return
	}
	nonce, err := facehash.NewNonce()
	if err != nil {
		result.Fail("", fmt.Errorf("%w: %w", core.ErrFingerprintFailed, err))
		return
	}

	acc := evidence.NewAccumulator()
	results, err := v.challenges(ctx, s, acc)
	acc.RecordChallenges(results)
	ev := acc.Finalize()
	result.Evidence = ev
	if err != nil {
		result.Fail("", err)
		return
	}

	verdict := evidence.Decide(ev, evidence.ThresholdsFrom(v.cfg))
	finalStrike := !verdict.Over18 && v.retries.IsFinalStrike(state)

	var fingerprint facehash.Facehash
	if len(ev.Embedding) > 0 {
		fingerprint, err = facehash.Compute(s.wallet, salt, ev.Embedding)
	} else {
		err = fmt.Errorf("%w: no embedding produced", core.ErrFingerprintFailed)
	}
	if err != nil {
		s.countFailure = true
		if verdict.Over18 {
			result.Fail("", err)
		} else {
			result.Fail(verdict.Reason, fmt.Errorf("%w: %s", core.ErrVerificationFailed, verdict.Failed))
		}
		return
	}

	if !verdict.Over18 && !finalStrike {
		s.countFailure = true
		result.Fail(verdict.Reason, fmt.Errorf("%w: %s", core.ErrVerificationFailed, verdict.Failed))
		return
	}

	if finalStrike {
		v.logger.Info("Final strike, writing failed verdict", s.fields)
	}
	att, err := v.attestor.Attest(ctx, AttestRequest{
		User:       s.req.User,
		Sponsor:    s.req.Sponsor,
		Facehash:   fingerprint,
		Over18:     verdict.Over18,
		VerifiedAt: result.VerifiedAt,
	})
	if err != nil {
		s.countFailure = !errors.Is(err, context.Canceled)
		result.Fail("", err)
		return
	}

	result.TxSignature = att.Signature
	result.ProtocolFeePaid = att.ProtocolFeePaid
	result.AppFeePaid = att.AppFeePaid
	result.Cached = att.Cached
	if att.Record != nil {
		bump := att.Record.Bump
		result.Bump = &bump
		result.UserCode = att.Record.UserCode
	}
	if att.ProtocolFeePaid {
		result.Evidence.SaltHex = hex.EncodeToString(salt)
		result.Evidence.SessionNonceHex = hex.EncodeToString(nonce)
	}

	if finalStrike {
		s.countFailure = true
		result.Fail(verdict.Reason, fmt.Errorf("%w: %s", core.ErrVerificationFailed, verdict.Failed))
		return
	}

	result.Over18 = true
	result.Facehash = fingerprint.Hex()
	result.Description = evidence.SuccessDescription
	if err := v.retries.RecordSuccess(ctx, s.wallet); err != nil {
		v.logger.Error("Failed to clear retry state", err, s.fields)
	}
}

func (v *Verifier) cached(result *core.VerifyResult, rec *record.Record) {
	bump := rec.Bump
	result.Over18 = true
	result.Cached = true
	result.Facehash = rec.FacehashHex()
	result.UserCode = rec.UserCode
	result.Bump = &bump
	result.VerifiedAt = rec.VerifiedTime()
	result.Description = CachedDescription
}

// acquire starts the camera and loads the sensor. The returned release
// function stops the camera at most once and is safe to call on every path.
func (v *Verifier) acquire(ctx context.Context) (func(), error) {
	var once sync.Once
	started := false
	release := func() {
		once.Do(func() {
			if !started {
				return
			}
			if err := v.camera.Stop(); err != nil {
				v.logger.Error("Failed to stop camera", err, nil)
			}
		})
	}

	if err := v.camera.Start(ctx); err != nil {
		return release, fmt.Errorf("%w: camera: %w", core.ErrSensorUnavailable, err)
	}
	started = true

	if err := v.loadSensor(ctx); err != nil {
		return release, err
	}
	return release, nil
}

// loadSensor applies the load timeout and, on timeout, one delayed retry
// through the reduced-capability path
func (v *Verifier) loadSensor(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(ctx, v.cfg.ModelLoadTimeout)
	err := v.sensor.Load(loadCtx, v.cfg.ModelPath)
	cancel()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return sessionError(ctx)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", core.ErrSensorUnavailable, err)
	}

	reduced, ok := v.sensor.(ports.ReducedLoader)
	if !ok {
		return fmt.Errorf("%w: %w", core.ErrModelLoadTimeout, err)
	}
	v.logger.Info("Model load timed out, retrying with reduced capability", watermill.LogFields{"delay": v.cfg.ModelRetryDelay})

	timer := time.NewTimer(v.cfg.ModelRetryDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return sessionError(ctx)
	case <-timer.C:
	}

	loadCtx, cancel = context.WithTimeout(ctx, v.cfg.ModelLoadTimeout)
	defer cancel()
	if err := reduced.LoadReduced(loadCtx, v.cfg.ModelPath); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", core.ErrModelLoadTimeout, err)
		}
		return fmt.Errorf("%w: %w", core.ErrSensorUnavailable, err)
	}
	return nil
}

func (v *Verifier) challenges(ctx context.Context, s *session, acc *evidence.Accumulator) ([]core.ChallengeResult, error) {
	kinds := s.req.Challenges
	if len(kinds) == 0 {
		kinds = v.cfg.Challenges
	}
	if len(kinds) == 0 {
		kinds = v.sequencer.Sequence(liveness.DefaultSequenceLength)
	}
	for _, k := range kinds {
		if !k.Valid() {
			return nil, fmt.Errorf("unknown challenge %q", k)
		}
	}

	sessionCtx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	runner := liveness.NewRunner(v.camera, v.sensor, v.sequencer, v.runnerCfg, v.logger.With(s.fields))
	runner.OnProgress = s.req.OnProgress
	return runner.Run(sessionCtx, liveness.NewQueue(kinds), acc)
}

func (v *Verifier) publish(ctx context.Context, result *core.VerifyResult, wallet string) {
	if v.events == nil {
		return
	}
	event := ports.VerificationEvent{
		SessionID:     result.SessionID,
		Wallet:        wallet,
		Over18:        result.Over18,
		Cached:        result.Cached,
		TxSignature:   result.TxSignature,
		AgeEstimate:   result.Evidence.AgeEstimate,
		LivenessScore: result.Evidence.LivenessScore,
		SurfaceScore:  result.Evidence.SurfaceScore,
		AgeConfidence: result.Evidence.AgeConfidence,
		OccurredAt:    v.now().UTC(),
	}
	if !result.Over18 {
		event.Reason = result.Description
	}
	if err := v.events.PublishVerification(context.WithoutCancel(ctx), event); err != nil {
		v.logger.Error("Failed to publish verification event", err, watermill.LogFields{"session_id": result.SessionID})
	}
}

func sessionError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", core.ErrSessionTimeout, ctx.Err())
	}
	return fmt.Errorf("%w: %w", core.ErrAborted, ctx.Err())
}
