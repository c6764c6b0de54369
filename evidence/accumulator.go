// Package evidence aggregates per-frame sensor output into session evidence
// and turns it into an accept or reject verdict.
package evidence

import (
	"slices"

	"github.com/layer-3/ageverify/core"
)

// mean is a weighted running mean
type mean struct {
	sum    float64
	weight float64
}

func (m *mean) add(v, w float64) {
	m.sum += v * w
	m.weight += w
}

func (m *mean) value() (float64, bool) {
	if m.weight == 0 {
		return 0, false
	}
	return m.sum / m.weight, true
}

// weight returns the first positive candidate, or 1
func weight(candidates ...*float64) float64 {
	for _, c := range candidates {
		if c != nil && *c > 0 {
			return *c
		}
	}
	return 1
}

func positive(v *float64) bool {
	return v != nil && *v > 0
}

// Accumulator folds the frames of one session. It is owned by a single session
// and is not safe for concurrent use.
type Accumulator struct {
	age        mean
	geometric  mean
	enhanced   mean
	confidence mean
	surface    mean

	features  *core.SurfaceFeatures
	embedding []float32
	method    core.AgeMethod
	frames    int

	challenges []core.ChallengeResult
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add folds one detection
func (a *Accumulator) Add(d core.Detection) {
	a.frames++

	if d.SurfaceScore != nil {
		a.surface.add(*d.SurfaceScore, weight(d.Confidence))
		if d.SurfaceFeatures != nil {
			f := *d.SurfaceFeatures
			a.features = &f
		}
	}

	if positive(d.AgeEstimate) {
		a.age.add(*d.AgeEstimate, weight(d.AgeConfidence, d.Confidence))
		switch {
		case d.AgeConfidence != nil:
			a.confidence.add(*d.AgeConfidence, 1)
		case d.Confidence != nil:
			a.confidence.add(*d.Confidence, 1)
		}
	}
	if positive(d.AgeEstimateGeometric) {
		a.geometric.add(*d.AgeEstimateGeometric, weight(d.Confidence))
	}
	if positive(d.AgeEstimateEnhanced) {
		a.enhanced.add(*d.AgeEstimateEnhanced, weight(d.AgeConfidence))
	}

	if d.FaceFound && len(d.Embedding) > 0 {
		a.embedding = slices.Clone(d.Embedding)
	}
	if d.AgeMethod != "" {
		a.method = d.AgeMethod
	}
}

// RecordChallenges sets the challenge outcomes, penalty included
func (a *Accumulator) RecordChallenges(results []core.ChallengeResult) {
	a.challenges = slices.Clone(results)
}

// Frames is the number of detections folded so far
func (a *Accumulator) Frames() int {
	return a.frames
}

// Finalize divides the running sums into session evidence
func (a *Accumulator) Finalize() core.Evidence {
	e := core.Evidence{
		AgeMethod:  a.method,
		Challenges: slices.Clone(a.challenges),
		Embedding:  slices.Clone(a.embedding),
	}
	if e.AgeMethod == "" {
		e.AgeMethod = core.AgeMethodUnknown
	}
	if e.Challenges == nil {
		e.Challenges = []core.ChallengeResult{}
	}

	e.AgeEstimate, _ = a.age.value()
	e.AgeConfidence, _ = a.confidence.value()
	if v, ok := a.geometric.value(); ok {
		e.AgeEstimateGeometric = core.Float(v)
	}
	if v, ok := a.enhanced.value(); ok {
		e.AgeEstimateEnhanced = core.Float(v)
	}
	if v, ok := a.surface.value(); ok {
		e.SurfaceScore = core.Float(v)
		if a.features != nil {
			f := *a.features
			e.SurfaceFeatures = &f
		}
	}

	if n := len(a.challenges); n > 0 {
		passed := 0
		for _, c := range a.challenges {
			if c.Passed {
				passed++
			}
		}
		e.LivenessScore = float64(passed) / float64(n)
	}
	return e
}
