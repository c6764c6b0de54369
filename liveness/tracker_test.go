package liveness

import (
	"testing"

	"github.com/layer-3/ageverify/core"
	"github.com/layer-3/ageverify/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeasure(t *testing.T) {
	g, ok := Measure(testutil.Face(0.2, 0.4))
	require.True(t, ok)
	assert.InDelta(t, 0.2, g.DX, 1e-9)
	assert.InDelta(t, 0.4, g.DY, 1e-9)
	assert.InDelta(t, 1.0, g.EyeDist, 1e-9)

	_, ok = Measure(testutil.NoFace())
	assert.False(t, ok)

	short := testutil.Center()
	short.Landmarks = short.Landmarks[:17]
	_, ok = Measure(short)
	assert.False(t, ok)

	degenerate := testutil.Center()
	degenerate.Landmarks[3] = degenerate.Landmarks[0]
	_, ok = Measure(degenerate)
	assert.False(t, ok)
}

func TestPoseClassification(t *testing.T) {
	tests := []struct {
		name    string
		dx, dy  float64
		static  Pose
		gesture Pose
	}{
		{"center", 0, 0.45, PoseCenter, PoseCenter},
		{"left", 0.5, 0.45, PoseLeft, PoseLeft},
		{"right", -0.5, 0.45, PoseRight, PoseRight},
		{"up", 0, 0.1, PoseUp, PoseUp},
		{"down", 0, 0.8, PoseDown, PoseDown},
		{"slight turn only counts for gestures", 0.27, 0.45, PoseCenter, PoseLeft},
		{"mild up only counts for gestures", 0, 0.36, PoseCenter, PoseUp},
		{"left wins over up", 0.5, 0.1, PoseLeft, PoseLeft},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, ok := Measure(testutil.Face(tt.dx, tt.dy))
			require.True(t, ok)
			assert.Equal(t, tt.static, g.Pose(StaticThresholds))
			assert.Equal(t, tt.gesture, g.Pose(GestureThresholds))
		})
	}
}

func TestHolds(t *testing.T) {
	tests := []struct {
		name   string
		kind   core.ChallengeKind
		dx, dy float64
		want   bool
	}{
		{"turn left", core.ChallengeTurnLeft, 0.5, 0.45, true},
		{"turn left below threshold", core.ChallengeTurnLeft, 0.29, 0.45, false},
		{"turn left not dominant", core.ChallengeTurnLeft, 0.35, 0.9, false},
		{"turn right", core.ChallengeTurnRight, -0.5, 0.45, true},
		{"turn right wrong way", core.ChallengeTurnRight, 0.5, 0.45, false},
		{"look up centered", core.ChallengeLookUp, 0.1, 0.05, true},
		{"look up needs no dominance", core.ChallengeLookUp, 0.2, 0.01, true},
		{"look up with yaw", core.ChallengeLookUp, 0.3, 0.05, false},
		{"look down", core.ChallengeLookDown, 0, 0.8, true},
		{"look down not dominant", core.ChallengeLookDown, 2.0, 0.8, false},
		{"gestures never hold", core.ChallengeNodYes, 0, 0.1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, ok := Measure(testutil.Face(tt.dx, tt.dy))
			require.True(t, ok)
			assert.Equal(t, tt.want, g.Holds(tt.kind))
		})
	}
}

func TestGestureStateTransitionsBounded(t *testing.T) {
	var s GestureState
	assert.True(t, s.Observe(PoseLeft))
	assert.False(t, s.Observe(PoseLeft))
	assert.Equal(t, []Pose{PoseLeft}, s.Transitions())

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			s.Observe(PoseRight)
		} else {
			s.Observe(PoseLeft)
		}
	}
	assert.Len(t, s.Transitions(), MaxTransitions)
	assert.Equal(t, 2, s.SeenCount())

	s.Reset()
	assert.Empty(t, s.Transitions())
	assert.False(t, s.Seen(PoseLeft))
}

func TestStaticHoldRequiresConsecutiveFrames(t *testing.T) {
	tr := NewTracker(core.ChallengeTurnLeft)
	for i := 0; i < HoldFrames-1; i++ {
		assert.False(t, tr.Observe(testutil.Left()))
	}
	assert.InDelta(t, float64(HoldFrames-1)/HoldFrames*100, tr.Progress(), 1e-9)

	// One miss resets the hold
	assert.False(t, tr.Observe(testutil.Center()))
	assert.Zero(t, tr.Progress())

	var last float64
	for i := 0; i < HoldFrames-1; i++ {
		require.False(t, tr.Observe(testutil.Left()))
		require.Greater(t, tr.Progress(), last)
		last = tr.Progress()
	}
	assert.True(t, tr.Observe(testutil.Left()))
	assert.Equal(t, 100.0, tr.Progress())
	assert.True(t, tr.Passed())

	// Frames after success are ignored
	assert.True(t, tr.Observe(testutil.NoFace()))
}

func TestMissingFaceBreaksStaticHold(t *testing.T) {
	tr := NewTracker(core.ChallengeLookUp)
	for i := 0; i < 10; i++ {
		tr.Observe(testutil.Up())
	}
	tr.Observe(testutil.NoFace())
	assert.Zero(t, tr.Progress())
}

func TestGestureIsOrderIndependent(t *testing.T) {
	tests := []struct {
		name   string
		kind   core.ChallengeKind
		frames []func(...testutil.DetectionOption) core.Detection
	}{
		{"nod up then down", core.ChallengeNodYes, seq(testutil.Up, testutil.Center, testutil.Down)},
		{"nod down then up", core.ChallengeNodYes, seq(testutil.Down, testutil.Up)},
		{"shake left then right", core.ChallengeShakeNo, seq(testutil.Left, testutil.Right)},
		{"shake right then left", core.ChallengeShakeNo, seq(testutil.Right, testutil.Center, testutil.Center, testutil.Left)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(tt.kind)
			var passed bool
			for i, f := range tt.frames {
				passed = tr.Observe(f())
				if i < len(tt.frames)-1 {
					require.False(t, passed, "passed early at frame %d", i)
				}
			}
			assert.True(t, passed)
			assert.Equal(t, 100.0, tr.Progress())
		})
	}
}

func seq(fs ...func(...testutil.DetectionOption) core.Detection) []func(...testutil.DetectionOption) core.Detection {
	return fs
}

func TestGestureProgress(t *testing.T) {
	tr := NewTracker(core.ChallengeShakeNo)
	tr.Observe(testutil.Center())
	assert.Zero(t, tr.Progress())
	tr.Observe(testutil.Right())
	assert.Equal(t, 50.0, tr.Progress())
}

func TestShakeStallNeverPassesOnOneSide(t *testing.T) {
	tr := NewTracker(core.ChallengeShakeNo)
	for i := 0; i < 10_000; i++ {
		require.False(t, tr.Observe(testutil.Left()), "frame %d", i)
	}
	assert.False(t, tr.Passed())
	assert.Greater(t, tr.Resets(), 100)
}

func TestStallResetClearsPartialGesture(t *testing.T) {
	tr := NewTracker(core.ChallengeShakeNo)
	tr.Observe(testutil.Left())
	for i := 0; i < 70; i++ {
		tr.Observe(testutil.Center())
	}
	assert.Equal(t, 1, tr.Resets())
	assert.False(t, tr.State().Seen(PoseLeft))
	assert.Zero(t, tr.Progress())

	assert.False(t, tr.Observe(testutil.Right()), "left was forgotten by the stall reset")
	assert.True(t, tr.Observe(testutil.Left()))
}

func TestGestureWithinStallWindowPasses(t *testing.T) {
	tr := NewTracker(core.ChallengeShakeNo)
	tr.Observe(testutil.Left())
	for i := 0; i < 30; i++ {
		tr.Observe(testutil.Center())
	}
	assert.True(t, tr.Observe(testutil.Right()))
	assert.Zero(t, tr.Resets())
}
