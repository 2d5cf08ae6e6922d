package detect

import (
	"errors"
	"math"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/pkg/types"
)

// Percent range offered to users for the confidence threshold.
const (
	MinThresholdPercent = 10
	MaxThresholdPercent = 100

	// DefaultThreshold is applied until a user picks another value.
	DefaultThreshold = 0.5
)

// ErrInvalidThreshold is returned for thresholds that are not numbers.
var ErrInvalidThreshold = errors.New("detect: threshold is not a number")

// ClampThreshold limits v to [0,1].
func ClampThreshold(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// PercentToThreshold converts a user percentage to a threshold, clamping the
// percentage to the offered range first.
func PercentToThreshold(percent int) float64 {
	percent = min(max(percent, MinThresholdPercent), MaxThresholdPercent)
	return float64(percent) / 100
}

// ThresholdPercent converts a threshold back to a whole percentage.
func ThresholdPercent(v float64) int {
	return int(math.Round(v * 100))
}

// Filter returns the detections scoring at or above threshold, in their
// original order. The input is not modified.
func Filter(batch []types.Detection, threshold float64) []types.Detection {
	kept := make([]types.Detection, 0, len(batch))
	for _, d := range batch {
		if d.Score >= threshold {
			kept = append(kept, d)
		}
	}
	return kept
}
