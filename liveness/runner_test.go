package liveness

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/ageverify/core"
	"github.com/layer-3/ageverify/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSink struct {
	mu     sync.Mutex
	frames []core.Detection
}

func (s *countingSink) Add(d core.Detection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, d)
}

func (s *countingSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func fastConfig() RunnerConfig {
	cfg := DefaultRunnerConfig()
	cfg.RetryPause = 0
	cfg.IdleDelay = 0
	cfg.PassPause = 0
	cfg.PenaltyPause = 0
	cfg.InterChallengeDelay = 0
	return cfg
}

// cooperative wires a sensor that performs whatever the runner currently asks for
func cooperative(runner *Runner, sensor *testutil.ScriptedSensor) *[]Progress {
	var (
		mu      sync.Mutex
		current core.ChallengeKind
		events  []Progress
	)
	runner.OnProgress = func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		current = p.Kind
		events = append(events, p)
	}
	sensor.Script = func(n int) core.Detection {
		mu.Lock()
		defer mu.Unlock()
		return testutil.ForChallenge(current, n)
	}
	return &events
}

func TestRunnerAllChallengesPass(t *testing.T) {
	sensor := &testutil.ScriptedSensor{}
	runner := NewRunner(&testutil.FakeCamera{}, sensor, NewSequencer(rand.NewPCG(1, 2)), fastConfig(), nil)
	events := cooperative(runner, sensor)

	kinds := []core.ChallengeKind{
		core.ChallengeTurnLeft, core.ChallengeNodYes, core.ChallengeLookUp,
		core.ChallengeShakeNo, core.ChallengeTurnRight,
	}
	queue := NewQueue(kinds)
	sink := &countingSink{}

	results, err := runner.Run(context.Background(), queue, sink)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, r := range results {
		assert.Equal(t, kinds[i], r.Kind)
		assert.True(t, r.Passed)
		assert.Equal(t, 1.0, r.Score)
	}
	assert.False(t, queue.PenaltyAdded())

	// 3 static challenges hold 15 frames, 2 gestures finish on their second frame,
	// plus 15 frames between each pair of challenges
	assert.Equal(t, 3*HoldFrames+2*2+4*15, sink.Len())

	last := (*events)[len(*events)-1]
	assert.Equal(t, 100.0, last.Overall)
	assert.Equal(t, 4, last.Index)
}

func TestRunnerFailureAppendsSinglePenalty(t *testing.T) {
	sensor := &testutil.ScriptedSensor{Script: func(int) core.Detection { return testutil.Center() }}
	runner := NewRunner(&testutil.FakeCamera{}, sensor, NewSequencer(rand.NewPCG(3, 4)), fastConfig(), nil)

	queue := NewQueue([]core.ChallengeKind{
		core.ChallengeTurnLeft, core.ChallengeTurnRight, core.ChallengeLookUp,
		core.ChallengeNodYes, core.ChallengeShakeNo,
	})
	sink := &countingSink{}

	results, err := runner.Run(context.Background(), queue, sink)
	require.NoError(t, err)

	assert.Equal(t, 6, queue.Len())
	assert.Equal(t, 5, queue.Planned())
	require.Len(t, results, 6)
	for _, r := range results {
		assert.False(t, r.Passed)
		assert.Zero(t, r.Score)
	}
	// Every challenge burns both attempts
	assert.Equal(t, 6*2*150+5*15, sink.Len())
}

func TestRunnerRetryAttemptCanPass(t *testing.T) {
	// The first attempt sees only centered frames, the retry performs the turn
	cfg := fastConfig()
	sensor := &testutil.ScriptedSensor{Script: func(n int) core.Detection {
		if n < cfg.FramesPerAttempt {
			return testutil.Center()
		}
		return testutil.Left()
	}}
	runner := NewRunner(&testutil.FakeCamera{}, sensor, nil, cfg, nil)
	queue := NewQueue([]core.ChallengeKind{core.ChallengeTurnLeft})

	results, err := runner.Run(context.Background(), queue, &countingSink{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Passed)
	assert.False(t, queue.PenaltyAdded())
	assert.Equal(t, cfg.FramesPerAttempt+HoldFrames, sensor.Calls())
}

func TestRunnerCancellation(t *testing.T) {
	sensor := &testutil.ScriptedSensor{}
	cfg := fastConfig()
	cfg.IdleDelay = 10 * time.Millisecond
	runner := NewRunner(&testutil.FakeCamera{}, sensor, nil, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runner.Run(ctx, NewQueue([]core.ChallengeKind{core.ChallengeTurnLeft}), &countingSink{})
	assert.ErrorIs(t, err, core.ErrAborted)

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = runner.Run(ctx, NewQueue([]core.ChallengeKind{core.ChallengeTurnLeft}), &countingSink{})
	assert.ErrorIs(t, err, core.ErrSessionTimeout)
}

func TestRunnerSensorFailure(t *testing.T) {
	sensor := &testutil.ScriptedSensor{DetectErr: testutil.ErrSensorBroken}
	runner := NewRunner(&testutil.FakeCamera{}, sensor, nil, fastConfig(), nil)

	_, err := runner.Run(context.Background(), NewQueue([]core.ChallengeKind{core.ChallengeLookUp}), &countingSink{})
	assert.ErrorIs(t, err, core.ErrSensorUnavailable)

	camera := &testutil.FakeCamera{CaptureErr: assert.AnError}
	runner = NewRunner(camera, &testutil.ScriptedSensor{}, nil, fastConfig(), nil)
	_, err = runner.Run(context.Background(), NewQueue([]core.ChallengeKind{core.ChallengeLookUp}), &countingSink{})
	assert.ErrorIs(t, err, core.ErrSensorUnavailable)
}
