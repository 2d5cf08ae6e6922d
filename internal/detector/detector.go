// Package detector provides inference backends for the detection loop.
package detector

import (
	"context"
	"math"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/pkg/types"
)

// Func adapts a function to the loop's detector interface.
type Func func(ctx context.Context, frame *types.Frame) ([]types.Detection, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	return f(ctx, frame)
}

// sanitize drops detections without a label or with a non-finite score and
// clamps scores into [0,1].
func sanitize(in []types.Detection) []types.Detection {
	out := in[:0]
	for _, d := range in {
		if d.Label == "" || math.IsNaN(d.Score) || math.IsInf(d.Score, 0) {
			continue
		}
		d.Score = min(max(d.Score, 0), 1)
		out = append(out, d)
	}
	return out
}
