package liveness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/layer-3/ageverify/core"
	"github.com/layer-3/ageverify/ports"
)

// RunnerConfig holds the pacing of the challenge loop
type RunnerConfig struct {
	FramesPerAttempt     int
	Attempts             int
	RetryPause           time.Duration
	IdleDelay            time.Duration
	PassPause            time.Duration
	PenaltyPause         time.Duration
	InterChallengeFrames int
	InterChallengeDelay  time.Duration
}

// DefaultRunnerConfig returns the pacing used in production
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		FramesPerAttempt:     150,
		Attempts:             2,
		RetryPause:           time.Second,
		IdleDelay:            100 * time.Millisecond,
		PassPause:            800 * time.Millisecond,
		PenaltyPause:         1500 * time.Millisecond,
		InterChallengeFrames: 15,
		InterChallengeDelay:  50 * time.Millisecond,
	}
}

// Progress is emitted after every analyzed challenge frame
type Progress struct {
	Index   int
	Total   int
	Kind    core.ChallengeKind
	Attempt int
	Step    float64 // attempt progress in [0,100]
	Overall float64 // session progress in [0,100]
}

// FrameSink receives every analyzed frame, including the ones between challenges
type FrameSink interface {
	Add(d core.Detection)
}

// Runner drives a challenge queue against a camera and sensor
type Runner struct {
	camera    ports.Camera
	sensor    ports.Sensor
	sequencer *Sequencer
	cfg       RunnerConfig
	logger    watermill.LoggerAdapter

	// OnProgress, if set, is called synchronously from the run loop
	OnProgress func(Progress)
}

func NewRunner(camera ports.Camera, sensor ports.Sensor, sequencer *Sequencer, cfg RunnerConfig, logger watermill.LoggerAdapter) *Runner {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if sequencer == nil {
		sequencer = NewSequencer(nil)
	}
	return &Runner{
		camera:    camera,
		sensor:    sensor,
		sequencer: sequencer,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run processes every challenge in queue, appending one penalty challenge on
// the first failure. It returns the results recorded so far together with any
// error that stopped the session early.
func (r *Runner) Run(ctx context.Context, queue *Queue, sink FrameSink) ([]core.ChallengeResult, error) {
	results := make([]core.ChallengeResult, 0, queue.Len()+1)

	for i := 0; i < queue.Len(); i++ {
		if err := sessionErr(ctx); err != nil {
			return results, err
		}

		kind := queue.At(i)
		passed, err := r.runChallenge(ctx, queue, i, kind, sink)
		if err != nil {
			return results, err
		}

		if passed {
			results = append(results, core.ChallengeResult{Kind: kind, Passed: true, Score: 1})
			r.logger.Debug("Challenge passed", watermill.LogFields{"index": i, "kind": kind})
			if err := r.sleep(ctx, r.cfg.PassPause); err != nil {
				return results, err
			}
		} else {
			results = append(results, core.ChallengeResult{Kind: kind, Passed: false, Score: 0})
			r.logger.Info("Challenge failed", watermill.LogFields{"index": i, "kind": kind})
			penalty := r.sequencer.Next()
			if queue.AppendPenalty(penalty) {
				r.logger.Info("Penalty challenge added", watermill.LogFields{"kind": penalty})
				if err := r.sleep(ctx, r.cfg.PenaltyPause); err != nil {
					return results, err
				}
			}
		}

		if i < queue.Len()-1 {
			if err := r.interChallenge(ctx, sink); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

func (r *Runner) runChallenge(ctx context.Context, queue *Queue, index int, kind core.ChallengeKind, sink FrameSink) (bool, error) {
	for attempt := 0; attempt < r.cfg.Attempts; attempt++ {
		if attempt > 0 {
			r.logger.Debug("Retrying challenge", watermill.LogFields{"index": index, "kind": kind})
			if err := r.sleep(ctx, r.cfg.RetryPause); err != nil {
				return false, err
			}
		}

		tracker := NewTracker(kind)
		r.emit(queue, index, kind, attempt, tracker)

		for frame := 0; frame < r.cfg.FramesPerAttempt; frame++ {
			if err := sessionErr(ctx); err != nil {
				return false, err
			}

			d, err := r.analyze(ctx)
			if err != nil {
				return false, err
			}
			sink.Add(d)

			passed := tracker.Observe(d)
			r.emit(queue, index, kind, attempt, tracker)
			if passed {
				return true, nil
			}
			if err := r.sleep(ctx, r.cfg.IdleDelay); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

func (r *Runner) interChallenge(ctx context.Context, sink FrameSink) error {
	for i := 0; i < r.cfg.InterChallengeFrames; i++ {
		d, err := r.analyze(ctx)
		if err != nil {
			return err
		}
		sink.Add(d)
		if err := r.sleep(ctx, r.cfg.InterChallengeDelay); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) analyze(ctx context.Context) (core.Detection, error) {
	frame, err := r.camera.Capture(ctx)
	if err != nil {
		if e := sessionErr(ctx); e != nil {
			return core.Detection{}, e
		}
		return core.Detection{}, fmt.Errorf("%w: capture: %v", core.ErrSensorUnavailable, err)
	}
	d, err := r.sensor.Detect(ctx, frame)
	if err != nil {
		if e := sessionErr(ctx); e != nil {
			return core.Detection{}, e
		}
		return core.Detection{}, fmt.Errorf("%w: detect: %v", core.ErrSensorUnavailable, err)
	}
	return d, nil
}

func (r *Runner) emit(queue *Queue, index int, kind core.ChallengeKind, attempt int, t *Tracker) {
	if r.OnProgress == nil {
		return
	}
	step := t.Progress()
	total := queue.Len()
	r.OnProgress(Progress{
		Index:   index,
		Total:   total,
		Kind:    kind,
		Attempt: attempt,
		Step:    step,
		Overall: (float64(index) + step/100) / float64(total) * 100,
	})
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return sessionErr(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return sessionErr(ctx)
	case <-timer.C:
		return nil
	}
}

// sessionErr maps context termination to the session's timeout or abort error
func sessionErr(ctx context.Context) error {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", core.ErrSessionTimeout, err)
	default:
		return fmt.Errorf("%w: %w", core.ErrAborted, err)
	}
}
