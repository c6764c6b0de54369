package liveness

import (
	"slices"

	"github.com/layer-3/ageverify/core"
)

const (
	// HoldFrames is how many consecutive frames a static pose must hold
	HoldFrames = 15
	// StallFrames without a newly seen pose reset a partial compound gesture
	StallFrames = 60
	// MaxTransitions bounds the pose transition log
	MaxTransitions = 50
)

// GestureState is the pose history of one attempt
type GestureState struct {
	transitions []Pose
	seen        map[Pose]struct{}
}

// Observe records p and reports whether it was seen for the first time
func (s *GestureState) Observe(p Pose) bool {
	if n := len(s.transitions); n == 0 || s.transitions[n-1] != p {
		s.transitions = append(s.transitions, p)
		if len(s.transitions) > MaxTransitions {
			s.transitions = s.transitions[1:]
		}
	}
	if s.seen == nil {
		s.seen = make(map[Pose]struct{})
	}
	if _, ok := s.seen[p]; ok {
		return false
	}
	s.seen[p] = struct{}{}
	return true
}

func (s *GestureState) Seen(p Pose) bool {
	_, ok := s.seen[p]
	return ok
}

func (s *GestureState) SeenCount() int {
	return len(s.seen)
}

func (s *GestureState) Transitions() []Pose {
	return slices.Clone(s.transitions)
}

func (s *GestureState) Reset() {
	s.transitions = s.transitions[:0]
	clear(s.seen)
}

// Tracker judges a single attempt at one challenge, one frame at a time
type Tracker struct {
	kind        core.ChallengeKind
	state       GestureState
	frame       int
	consecutive int
	lastGrowth  int
	passed      bool
	resets      int
}

func NewTracker(kind core.ChallengeKind) *Tracker {
	return &Tracker{kind: kind}
}

// Observe folds one detection into the attempt and reports whether the
// challenge is satisfied. Frames after success are ignored.
func (t *Tracker) Observe(d core.Detection) bool {
	if t.passed {
		return true
	}
	defer func() { t.frame++ }()

	g, ok := Measure(d)

	if !t.kind.IsGesture() {
		if ok && g.Holds(t.kind) {
			t.consecutive++
			t.passed = t.consecutive >= HoldFrames
		} else {
			t.consecutive = 0
		}
		return t.passed
	}

	if ok && t.state.Observe(g.Pose(GestureThresholds)) {
		t.lastGrowth = t.frame
	}
	a, b := constituents(t.kind)
	if t.state.Seen(a) && t.state.Seen(b) {
		t.passed = true
		return true
	}
	if t.frame-t.lastGrowth > StallFrames {
		t.state.Reset()
		t.lastGrowth = t.frame
		t.resets++
	}
	return false
}

func (t *Tracker) Passed() bool {
	return t.passed
}

// Progress is the attempt's completion in [0,100]. It drops to 0 when a
// static hold breaks or a stalled gesture resets.
func (t *Tracker) Progress() float64 {
	if t.passed {
		return 100
	}
	if !t.kind.IsGesture() {
		return min(100, float64(t.consecutive)/HoldFrames*100)
	}
	a, b := constituents(t.kind)
	if t.state.Seen(a) || t.state.Seen(b) {
		return 50
	}
	return 0
}

// State exposes the gesture history for inspection
func (t *Tracker) State() *GestureState {
	return &t.state
}

// Resets counts stall resets during the attempt
func (t *Tracker) Resets() int {
	return t.resets
}
