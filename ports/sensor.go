package ports

import (
	"context"

	"github.com/layer-3/ageverify/core"
)

// Sensor runs face detection, landmark, age and anti-spoof inference on frames.
// Load is idempotent; Detect may be called many times after a successful Load.
type Sensor interface {
	Load(ctx context.Context, basePath string) error
	Detect(ctx context.Context, frame core.Frame) (core.Detection, error)
}

// ReducedLoader is implemented by sensors that can fall back to a slower,
// reduced-capability execution path when the primary load times out
type ReducedLoader interface {
	LoadReduced(ctx context.Context, basePath string) error
}

// Camera captures frames for the sensor
type Camera interface {
	Start(ctx context.Context) error
	Capture(ctx context.Context) (core.Frame, error)
	Stop() error
}
