package core

import "time"

// Frame is a captured camera frame handed to the sensor
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
}

// AgeMethod names the inference path that produced an age estimate
type AgeMethod string

const (
	AgeMethodStandard AgeMethod = "standard"
	AgeMethodEnhanced AgeMethod = "enhanced"
	AgeMethodUnknown  AgeMethod = "unknown"
)

// SurfaceFeatures is the anti-spoof feature snapshot reported by the sensor.
// The values are opaque to the protocol; only the aggregate surface score drives decisions.
type SurfaceFeatures struct {
	TextureScore   float64 `json:"texture_score"`
	ScreenDetected bool    `json:"screen_detected"`
	VarianceScore  float64 `json:"variance_score"`
	Pattern        string  `json:"pattern"`
}

// Detection is the per-frame output of the sensor. Optional measurements are nil when absent.
type Detection struct {
	FaceFound            bool             `json:"face_found"`
	Landmarks            []float64        `json:"landmarks,omitempty"`
	Embedding            []float32        `json:"embedding,omitempty"`
	Confidence           *float64         `json:"confidence,omitempty"`
	AgeEstimate          *float64         `json:"age_estimate,omitempty"`
	AgeEstimateGeometric *float64         `json:"age_estimate_geometric,omitempty"`
	AgeEstimateEnhanced  *float64         `json:"age_estimate_enhanced,omitempty"`
	AgeConfidence        *float64         `json:"age_confidence,omitempty"`
	SurfaceScore         *float64         `json:"surface_score,omitempty"`
	SurfaceFeatures      *SurfaceFeatures `json:"surface_features,omitempty"`
	AgeMethod            AgeMethod        `json:"age_method,omitempty"`
}

// Float returns a pointer to v, for populating optional detection fields
func Float(v float64) *float64 {
	return &v
}
