// Package source provides frame sources for the detection loop.
package source

import (
	"errors"
	"image"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/pkg/types"
)

// ErrNoFrame is returned by Latest before the first frame has arrived.
var ErrNoFrame = errors.New("source: no frame available")

// Holder keeps the most recent frame of a producer and hands it to readers
// without blocking either side. Older frames are dropped, never queued.
type Holder struct {
	latest atomic.Pointer[types.Frame]
	seq    atomic.Uint64
}

// Publish stores img as the newest frame and returns it.
func (h *Holder) Publish(img image.Image, ts time.Time) *types.Frame {
	f := types.NewFrame(img, h.seq.Add(1), ts)
	h.latest.Store(f)
	return f
}

// Latest returns the newest frame or ErrNoFrame.
func (h *Holder) Latest() (*types.Frame, error) {
	if f := h.latest.Load(); f != nil {
		return f, nil
	}
	return nil, ErrNoFrame
}

// Published returns the number of frames published so far.
func (h *Holder) Published() uint64 {
	return h.seq.Load()
}

// Static always returns the same frame.
type Static struct {
	frame *types.Frame
}

// NewStatic wraps img as a single-frame source.
func NewStatic(img image.Image) *Static {
	return &Static{frame: types.NewFrame(img, 1, time.Now())}
}

// Latest returns the wrapped frame.
func (s *Static) Latest() (*types.Frame, error) {
	return s.frame, nil
}
