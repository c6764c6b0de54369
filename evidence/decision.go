package evidence

import (
	"fmt"
	"math"

	"github.com/layer-3/ageverify/core"
)

// Criterion names the check that rejected a session
type Criterion string

const (
	CriterionNone       Criterion = ""
	CriterionAge        Criterion = "age"
	CriterionLiveness   Criterion = "liveness"
	CriterionSurface    Criterion = "surface"
	CriterionConfidence Criterion = "confidence"
)

const SuccessDescription = "User is confidently over age 18"

// Thresholds are the minimums a session must reach
type Thresholds struct {
	MinAge        float64
	MinLiveness   float64
	MinConfidence float64
	MinSurface    float64
}

func ThresholdsFrom(cfg core.VerifyConfig) Thresholds {
	return Thresholds{
		MinAge:        cfg.MinAgeThreshold,
		MinLiveness:   cfg.MinLivenessScore,
		MinConfidence: cfg.MinAgeConfidence,
		MinSurface:    cfg.MinSurfaceScore,
	}
}

// Verdict is the outcome of Decide
type Verdict struct {
	Over18 bool
	Failed Criterion
	Reason string
}

// Decide accepts only when age, liveness, confidence and surface all meet their
// minimums. A missing surface score rejects. The reported reason follows the
// priority age, liveness, surface, confidence.
func Decide(e core.Evidence, t Thresholds) Verdict {
	ageOK := e.AgeEstimate >= t.MinAge
	livenessOK := e.LivenessScore >= t.MinLiveness
	confidenceOK := e.AgeConfidence >= t.MinConfidence
	surfaceOK := e.SurfaceScore != nil && *e.SurfaceScore >= t.MinSurface

	switch {
	case !ageOK:
		return Verdict{
			Failed: CriterionAge,
			Reason: fmt.Sprintf("Estimated age (%d) is below the required %v.", int(math.Round(e.AgeEstimate)), t.MinAge),
		}
	case !livenessOK:
		return Verdict{Failed: CriterionLiveness, Reason: "Liveness check failed."}
	case !surfaceOK:
		reason := "Surface integrity failed (no surface analysis)"
		if e.SurfaceScore != nil {
			reason = fmt.Sprintf("Surface integrity failed (%.0f%%)", *e.SurfaceScore*100)
		}
		return Verdict{Failed: CriterionSurface, Reason: reason}
	case !confidenceOK:
		return Verdict{Failed: CriterionConfidence, Reason: "Age estimation confidence too low."}
	}
	return Verdict{Over18: true, Reason: SuccessDescription}
}
