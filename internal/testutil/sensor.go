// Package testutil holds in-memory collaborators shared by package tests.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/layer-3/ageverify/core"
)

// Pose offsets with the eyes one unit apart at (-0.5,0) and (0.5,0)
const (
	centerDY = 0.45
	turnDX   = 0.5
	upDY     = 0.1
	downDY   = 0.8
)

// DetectionOption tweaks a generated detection
type DetectionOption func(*core.Detection)

// Face returns a confident adult detection with the nose at (dx, dy)
func Face(dx, dy float64, opts ...DetectionOption) core.Detection {
	d := core.Detection{
		FaceFound:     true,
		Landmarks:     Landmarks(dx, dy),
		Embedding:     Embedding(0.1),
		Confidence:    core.Float(0.95),
		AgeEstimate:   core.Float(30),
		AgeConfidence: core.Float(0.9),
		SurfaceScore:  core.Float(0.8),
		SurfaceFeatures: &core.SurfaceFeatures{
			TextureScore:  0.8,
			VarianceScore: 0.7,
			Pattern:       "natural",
		},
		AgeMethod: core.AgeMethodStandard,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

func Center(opts ...DetectionOption) core.Detection { return Face(0, centerDY, opts...) }
func Left(opts ...DetectionOption) core.Detection   { return Face(turnDX, centerDY, opts...) }
func Right(opts ...DetectionOption) core.Detection  { return Face(-turnDX, centerDY, opts...) }
func Up(opts ...DetectionOption) core.Detection     { return Face(0, upDY, opts...) }
func Down(opts ...DetectionOption) core.Detection   { return Face(0, downDY, opts...) }

// NoFace is a frame where detection found nothing
func NoFace() core.Detection {
	return core.Detection{FaceFound: false}
}

func WithAge(age float64) DetectionOption {
	return func(d *core.Detection) { d.AgeEstimate = core.Float(age) }
}

func WithAgeConfidence(c float64) DetectionOption {
	return func(d *core.Detection) { d.AgeConfidence = core.Float(c) }
}

func WithSurface(s float64) DetectionOption {
	return func(d *core.Detection) { d.SurfaceScore = core.Float(s) }
}

func WithoutSurface() DetectionOption {
	return func(d *core.Detection) {
		d.SurfaceScore = nil
		d.SurfaceFeatures = nil
	}
}

func WithoutEmbedding() DetectionOption {
	return func(d *core.Detection) { d.Embedding = nil }
}

// Landmarks builds a landmark array for the given nose offset
func Landmarks(dx, dy float64) []float64 {
	l := make([]float64, 18)
	l[0], l[1] = -0.5, 0
	l[3], l[4] = 0.5, 0
	l[6], l[7] = dx, dy
	return l
}

// Embedding returns a deterministic 128-dimensional embedding
func Embedding(seed float32) []float32 {
	e := make([]float32, 128)
	for i := range e {
		e[i] = seed + float32(i)/128
	}
	return e
}

// ForChallenge answers a challenge the way a cooperative user would
func ForChallenge(kind core.ChallengeKind, frame int, opts ...DetectionOption) core.Detection {
	switch kind {
	case core.ChallengeTurnLeft:
		return Left(opts...)
	case core.ChallengeTurnRight:
		return Right(opts...)
	case core.ChallengeLookUp:
		return Up(opts...)
	case core.ChallengeLookDown:
		return Down(opts...)
	case core.ChallengeNodYes:
		if frame%2 == 0 {
			return Up(opts...)
		}
		return Down(opts...)
	case core.ChallengeShakeNo:
		if frame%2 == 0 {
			return Left(opts...)
		}
		return Right(opts...)
	}
	return Center(opts...)
}

var ErrSensorBroken = errors.New("sensor broken")

// ScriptedSensor replays detections produced by Script
type ScriptedSensor struct {
	mu sync.Mutex

	// Script returns the detection for the n-th Detect call
	Script func(n int) core.Detection
	// LoadErr is returned by Load; LoadBlocks makes Load wait for ctx instead
	LoadErr    error
	LoadBlocks bool
	// DetectErr is returned by every Detect call when set
	DetectErr error

	loads int
	calls int
}

func (s *ScriptedSensor) Load(ctx context.Context, _ string) error {
	s.mu.Lock()
	s.loads++
	blocks, err := s.LoadBlocks, s.LoadErr
	s.mu.Unlock()

	if blocks {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (s *ScriptedSensor) Detect(ctx context.Context, _ core.Frame) (core.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DetectErr != nil {
		return core.Detection{}, s.DetectErr
	}
	n := s.calls
	s.calls++
	if s.Script == nil {
		return Center(), nil
	}
	return s.Script(n), nil
}

func (s *ScriptedSensor) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func (s *ScriptedSensor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ReducedSensor adds the reduced-capability load path
type ReducedSensor struct {
	*ScriptedSensor
	ReducedErr error

	mu      sync.Mutex
	reduced int
}

func (s *ReducedSensor) LoadReduced(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reduced++
	return s.ReducedErr
}

func (s *ReducedSensor) ReducedLoads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reduced
}

// FakeCamera hands out empty frames
type FakeCamera struct {
	mu         sync.Mutex
	StartErr   error
	CaptureErr error
	starts     int
	stops      int
	frames     int
}

func (c *FakeCamera) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	return c.StartErr
}

func (c *FakeCamera) Capture(context.Context) (core.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CaptureErr != nil {
		return core.Frame{}, c.CaptureErr
	}
	c.frames++
	return core.Frame{Width: 640, Height: 480, Timestamp: time.Unix(int64(c.frames), 0)}, nil
}

func (c *FakeCamera) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

func (c *FakeCamera) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

func (c *FakeCamera) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}
