package webmonitor

import (
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/pkg/types"
)

// DetectionEvent is the payload for /api/detections/stream and the WebRTC
// data channel.
type DetectionEvent struct {
	Version     uint64            `json:"version"`
	FrameNumber uint64            `json:"frame_number"`
	DrawnFrame  uint64            `json:"drawn_frame"`
	Timestamp   float64           `json:"timestamp"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Detections  []types.Detection `json:"detections"`
	Counts      detect.Counts     `json:"counts"`
	Threshold   float64           `json:"threshold"`
	InferenceMs float64           `json:"inference_ms"`
}

func newDetectionEvent(res detect.Result) DetectionEvent {
	detections := res.Detections
	if detections == nil {
		detections = []types.Detection{}
	}
	return DetectionEvent{
		Version:     res.Version,
		FrameNumber: res.DetectionsFrom,
		DrawnFrame:  res.DrawnFrame,
		Timestamp:   unixSeconds(res.Timestamp),
		Width:       res.Width,
		Height:      res.Height,
		Detections:  detections,
		Counts:      res.Counts,
		Threshold:   res.Threshold,
		InferenceMs: float64(res.InferenceTime) / float64(time.Millisecond),
	}
}

// StreamStats reports connected stream clients.
type StreamStats struct {
	MJPEGClients  int `json:"mjpeg_clients"`
	SSEClients    int `json:"sse_clients"`
	WebRTCClients int `json:"webrtc_clients"`
}

// SurfaceStats describes the render surface.
type SurfaceStats struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Version  uint64 `json:"version"`
	FrameSeq uint64 `json:"frame_seq"`
}

// StatusResponse is the payload for /api/status and /api/status/stream.
type StatusResponse struct {
	Loop      detect.Status             `json:"loop"`
	Surface   SurfaceStats              `json:"surface"`
	Streams   StreamStats               `json:"streams"`
	Recording *recorder.RecordingStatus `json:"recording,omitempty"`
	Timestamp float64                   `json:"timestamp"`
}

// ControlResponse is returned by the loop control endpoints.
type ControlResponse struct {
	State            detect.State `json:"state"`
	Threshold        float64      `json:"threshold"`
	ThresholdPercent int          `json:"threshold_percent"`
}

// ThresholdRequest is the body of /api/control/threshold.
type ThresholdRequest struct {
	Percent *int `json:"percent"`
}

// RecordingRequest is the optional body of /api/recording/start.
type RecordingRequest struct {
	Name string `json:"name"`
}

// CountsResponse is the payload for /api/counts.
type CountsResponse struct {
	Counts detect.Counts `json:"counts"`
	Total  int           `json:"total"`
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}
