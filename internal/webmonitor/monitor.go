package webmonitor

import (
	"bytes"
	"context"
	"image"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/recorder"
)

const statusTimeout = 2 * time.Second

// Loop is the part of the detection loop the monitor drives.
type Loop interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	ResetCounts(ctx context.Context) error
	SetConfidencePercent(ctx context.Context, percent int) (float64, error)
	Status(ctx context.Context) (detect.Status, error)
	Observe(fn func(detect.Result)) (cancel func())
}

// Surface is the rendered output the monitor exports.
type Surface interface {
	Bounds() image.Rectangle
	Version() uint64
	FrameSeq() uint64
	Empty() bool
	Thumbnail(width int) image.Image
	EncodeJPEG(w io.Writer, quality int) error
}

// Recorder stores annotated JPEG frames.
type Recorder interface {
	Start(name string) (string, error)
	Stop() (recorder.RecordingStatus, error)
	SendFrame(jpeg []byte) bool
	IsRecording() bool
	GetStatus() recorder.RecordingStatus
}

// PeerSignaler answers WebRTC offers and pushes events over data channels.
type PeerSignaler interface {
	HandleOffer(offer []byte) ([]byte, error)
	Broadcast(msg []byte) int
	ClientCount() int
}

// Deps are the collaborators of a Server. Loop and Surface are required.
type Deps struct {
	Loop     Loop
	Surface  Surface
	Recorder Recorder
	WebRTC   PeerSignaler
	Metrics  *metrics.Metrics
	Clock    clock.Clock
}

// onResult runs on the scheduler goroutine, so it only parks the result and
// wakes Run. Bursts collapse into the newest result.
func (s *Server) onResult(res detect.Result) {
	s.pendingMu.Lock()
	s.pending = &res
	s.pendingMu.Unlock()

	select {
	case s.resultReady <- struct{}{}:
	default:
	}
}

func (s *Server) takePending() (detect.Result, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.pending == nil {
		return detect.Result{}, false
	}
	res := *s.pending
	s.pending = nil
	return res, true
}

// Run fans loop results out to stream clients and publishes periodic status
// until ctx is done. All subscriber channels are closed on return.
func (s *Server) Run(ctx context.Context) error {
	cancel := s.loop.Observe(s.onResult)
	defer cancel()
	defer s.closeBroadcasters()

	ticker := s.clock.Ticker(s.cfg.StatusInterval)
	defer ticker.Stop()

	logger.Info("Monitor", "Publishing results (status every %v)", s.cfg.StatusInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.resultReady:
			if res, ok := s.takePending(); ok {
				s.publishResult(res)
			}
		case <-ticker.C:
			s.publishStatus(ctx)
		}
	}
}

func (s *Server) closeBroadcasters() {
	s.frames.Close()
	s.detections.Close()
	s.statuses.Close()
}

func (s *Server) publishResult(res detect.Result) {
	recording := s.recorder != nil && s.recorder.IsRecording()
	if s.frames.Count() > 0 || recording {
		if jpegData, ok := s.encodeFrame(); ok {
			s.frames.Broadcast(jpegData)
			if recording {
				s.recorder.SendFrame(jpegData)
			}
		}
	}

	if s.detections.Count() == 0 && (s.webrtc == nil || s.webrtc.ClientCount() == 0) {
		return
	}
	event, err := serializeEvent(newDetectionEvent(res))
	if err != nil {
		s.log.Errorf("Detection event encode failed: %v", err)
		return
	}
	s.detections.Broadcast(event)
	if s.webrtc != nil {
		s.webrtc.Broadcast(event.JSONData)
	}
}

// encodeFrame returns the current surface as JPEG. Encodes closer together
// than MJPEGInterval reuse the previous bytes.
func (s *Server) encodeFrame() ([]byte, bool) {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()

	now := s.clock.Now()
	version := s.surface.Version()
	if s.lastFrame != nil && (version == s.lastVersion || now.Sub(s.lastEncode) < s.cfg.MJPEGInterval) {
		return s.lastFrame, true
	}
	if s.surface.Empty() {
		return nil, false
	}

	var buf bytes.Buffer
	if err := s.surface.EncodeJPEG(&buf, s.cfg.JPEGQuality); err != nil {
		s.log.Warnf("JPEG encode failed: %v", err)
		return nil, false
	}
	s.lastFrame = buf.Bytes()
	s.lastVersion = version
	s.lastEncode = now
	return s.lastFrame, true
}

func (s *Server) publishStatus(ctx context.Context) {
	if s.statuses.Count() == 0 {
		return
	}
	event, err := s.statusEvent(ctx)
	if err != nil {
		s.log.Warnf("Status event failed: %v", err)
		return
	}
	s.statuses.Broadcast(event)
}

func (s *Server) statusEvent(ctx context.Context) (*SerializedEvent, error) {
	status, err := s.status(ctx)
	if err != nil {
		return nil, err
	}
	return serializeEvent(status)
}

func (s *Server) status(ctx context.Context) (StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	st, err := s.loop.Status(ctx)
	if err != nil {
		return StatusResponse{}, err
	}
	if st.History == nil {
		st.History = []detect.Result{}
	}

	b := s.surface.Bounds()
	resp := StatusResponse{
		Loop: st,
		Surface: SurfaceStats{
			Width:    b.Dx(),
			Height:   b.Dy(),
			Version:  s.surface.Version(),
			FrameSeq: s.surface.FrameSeq(),
		},
		Streams: StreamStats{
			MJPEGClients: s.frames.Count(),
			SSEClients:   s.detections.Count() + s.statuses.Count(),
		},
		Timestamp: unixSeconds(s.clock.Now()),
	}
	if s.webrtc != nil {
		resp.Streams.WebRTCClients = s.webrtc.ClientCount()
	}
	if s.recorder != nil {
		rs := s.recorder.GetStatus()
		resp.Recording = &rs
	}
	return resp, nil
}

// frameState caches the last MJPEG encode.
type frameState struct {
	frameMu     sync.Mutex
	lastFrame   []byte
	lastVersion uint64
	lastEncode  time.Time
}
