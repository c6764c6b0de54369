package liveness

import (
	"math"

	"github.com/layer-3/ageverify/core"
)

// Pose is a discrete head orientation
type Pose string

const (
	PoseLeft   Pose = "left"
	PoseRight  Pose = "right"
	PoseUp     Pose = "up"
	PoseDown   Pose = "down"
	PoseCenter Pose = "center"
)

// MinLandmarks is the shortest landmark array the classifier accepts.
// Right eye is at [0,1], left eye at [3,4], nose tip at [6,7].
const MinLandmarks = 18

// Thresholds are offsets from the eye midpoint as fractions of the inter-eye distance
type Thresholds struct {
	Turn float64
	Up   float64
	Down float64
}

var (
	StaticThresholds  = Thresholds{Turn: 0.30, Up: 0.35, Down: 0.55}
	GestureThresholds = Thresholds{Turn: 0.25, Up: 0.38, Down: 0.55}
)

const (
	dominance    = 0.5
	lookUpYawMax = 0.3
)

// Geometry is the nose offset from the eye midpoint
type Geometry struct {
	DX      float64
	DY      float64
	EyeDist float64
}

// Measure extracts pose geometry from a detection. It reports false when no
// face was found or the landmarks are unusable.
func Measure(d core.Detection) (Geometry, bool) {
	if !d.FaceFound || len(d.Landmarks) < MinLandmarks {
		return Geometry{}, false
	}
	l := d.Landmarks
	rx, ry := l[0], l[1]
	lx, ly := l[3], l[4]
	nx, ny := l[6], l[7]

	g := Geometry{
		DX:      nx - (rx+lx)/2,
		DY:      ny - (ry+ly)/2,
		EyeDist: math.Hypot(rx-lx, ry-ly),
	}
	if g.EyeDist == 0 || math.IsNaN(g.EyeDist) {
		return Geometry{}, false
	}
	return g, true
}

type poseFlags struct {
	left, right, up, down bool
}

func (g Geometry) flags(t Thresholds) poseFlags {
	return poseFlags{
		left:  g.DX > g.EyeDist*t.Turn,
		right: g.DX < -g.EyeDist*t.Turn,
		up:    g.DY < g.EyeDist*t.Up,
		down:  g.DY > g.EyeDist*t.Down,
	}
}

// Pose classifies the geometry, preferring left, right, up, down, then center
func (g Geometry) Pose(t Thresholds) Pose {
	f := g.flags(t)
	switch {
	case f.left:
		return PoseLeft
	case f.right:
		return PoseRight
	case f.up:
		return PoseUp
	case f.down:
		return PoseDown
	}
	return PoseCenter
}

// Holds reports whether the geometry satisfies a static challenge in this frame.
// Turns and look_down need their axis to dominate; look_up only needs the head
// roughly centered because the vertical offset shrinks toward zero at the extreme.
func (g Geometry) Holds(kind core.ChallengeKind) bool {
	f := g.flags(StaticThresholds)
	ax, ay := math.Abs(g.DX), math.Abs(g.DY)
	switch kind {
	case core.ChallengeTurnLeft:
		return f.left && ax > ay*dominance
	case core.ChallengeTurnRight:
		return f.right && ax > ay*dominance
	case core.ChallengeLookUp:
		return f.up && ax < g.EyeDist*lookUpYawMax
	case core.ChallengeLookDown:
		return f.down && ay > ax*dominance
	}
	return false
}

// constituents are the two poses a compound gesture must visit
func constituents(kind core.ChallengeKind) (Pose, Pose) {
	if kind == core.ChallengeNodYes {
		return PoseUp, PoseDown
	}
	return PoseLeft, PoseRight
}
