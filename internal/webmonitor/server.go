package webmonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/paint"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/webrtc"
)

// Server serves the detection monitor endpoints.
type Server struct {
	cfg      Config
	loop     Loop
	surface  Surface
	recorder Recorder
	webrtc   PeerSignaler
	metrics  *metrics.Metrics
	clock    clock.Clock
	log      *logger.Scoped

	frames     *Broadcaster[[]byte]
	detections *Broadcaster[*SerializedEvent]
	statuses   *Broadcaster[*SerializedEvent]

	sseDetections atomic.Int64
	sseStatus     atomic.Int64

	pendingMu   sync.Mutex
	pending     *detect.Result
	resultReady chan struct{}

	frameState
}

// NewServer returns a configured monitor server. Call Run to start
// publishing results.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Loop == nil {
		return nil, errors.New("webmonitor: loop is required")
	}
	if deps.Surface == nil {
		return nil, errors.New("webmonitor: surface is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	s := &Server{
		cfg:         cfg.withDefaults(),
		loop:        deps.Loop,
		surface:     deps.Surface,
		recorder:    deps.Recorder,
		webrtc:      deps.WebRTC,
		metrics:     deps.Metrics,
		clock:       deps.Clock,
		log:         logger.Module("Monitor"),
		resultReady: make(chan struct{}, 1),
	}

	s.frames = NewBroadcaster[[]byte]("FrameBroadcaster", 2, func(n int) {
		s.metrics.MJPEGClients.Store(uint64(n))
	})
	s.detections = NewBroadcaster[*SerializedEvent]("DetectionBroadcaster", 4, func(n int) {
		s.sseDetections.Store(int64(n))
		s.updateSSEGauge()
	})
	s.statuses = NewBroadcaster[*SerializedEvent]("StatusBroadcaster", 2, func(n int) {
		s.sseStatus.Store(int64(n))
		s.updateSSEGauge()
	})
	return s, nil
}

func (s *Server) updateSSEGauge() {
	s.metrics.SSEClients.Store(uint64(s.sseDetections.Load() + s.sseStatus.Load()))
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/assets/", http.StripPrefix("/assets/", newAssetHandler(s.cfg.AssetsDirs...)))
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/detections/stream", s.handleDetectionsStream)
	mux.HandleFunc("/api/control/start", s.handleControl(s.loop.Start))
	mux.HandleFunc("/api/control/stop", s.handleControl(s.loop.Stop))
	mux.HandleFunc("/api/control/restart", s.handleControl(s.loop.Restart))
	mux.HandleFunc("/api/control/threshold", s.handleThreshold)
	mux.HandleFunc("/api/counts", s.handleCounts)
	mux.HandleFunc("/api/counts/reset", s.handleControl(s.loop.ResetCounts))
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)

	var initial []byte
	if data, ok := s.encodeFrame(); ok {
		initial = data
	}
	streamMJPEGFromChannel(r.Context(), w, initial, frameCh)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()

	st, err := s.loop.Status(ctx)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"status": "unavailable", "error": err.Error()}, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "state": st.State})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	status, err := s.status(r.Context())
	if err != nil {
		writeLoopError(w, err)
		return
	}
	writeJSON(w, status)
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.statuses.Subscribe()
	defer s.statuses.Unsubscribe(id)

	initial, err := s.statusEvent(r.Context())
	if err != nil {
		writeLoopError(w, err)
		return
	}
	streamEventsFromChannel(r.Context(), w, initial, eventCh, wantsProtobuf(r))
}

func (s *Server) handleDetectionsStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.detections.Subscribe()
	defer s.detections.Unsubscribe(id)

	streamEventsFromChannel(r.Context(), w, nil, eventCh, wantsProtobuf(r))
}

func (s *Server) handleControl(action func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		if err := action(r.Context()); err != nil {
			writeLoopError(w, err)
			return
		}
		s.writeControl(w, r)
	}
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req ThresholdRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "invalid JSON body"}, http.StatusBadRequest)
		return
	}
	if req.Percent == nil {
		writeJSONWithStatus(w, map[string]any{"error": "percent is required"}, http.StatusBadRequest)
		return
	}

	applied, err := s.loop.SetConfidencePercent(r.Context(), *req.Percent)
	if err != nil {
		writeLoopError(w, err)
		return
	}
	s.log.Infof("Confidence threshold set to %.2f (requested %d%%)", applied, *req.Percent)
	s.writeControl(w, r)
}

func (s *Server) writeControl(w http.ResponseWriter, r *http.Request) {
	st, err := s.loop.Status(r.Context())
	if err != nil {
		writeLoopError(w, err)
		return
	}
	writeJSON(w, ControlResponse{
		State:            st.State,
		Threshold:        st.Threshold,
		ThresholdPercent: st.ThresholdPercent,
	})
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	st, err := s.loop.Status(r.Context())
	if err != nil {
		writeLoopError(w, err)
		return
	}
	writeJSON(w, CountsResponse{Counts: st.Counts, Total: st.Counts.Total()})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "jpeg"
	}
	if format != "jpeg" && format != "jpg" && format != "png" {
		writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("unsupported format %q", format)}, http.StatusBadRequest)
		return
	}

	width := 0
	if raw := r.URL.Query().Get("width"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeJSONWithStatus(w, map[string]any{"error": "width must be a non-negative integer"}, http.StatusBadRequest)
			return
		}
		width = v
	}

	if s.surface.Empty() {
		writeJSONWithStatus(w, map[string]any{"error": "no frame rendered yet"}, http.StatusNotFound)
		return
	}

	seq := s.surface.FrameSeq()
	img := s.surface.Thumbnail(width)

	var buf bytes.Buffer
	contentType := "image/jpeg"
	var err error
	if format == "png" {
		contentType = "image/png"
		err = png.Encode(&buf, img)
	} else {
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.cfg.JPEGQuality})
	}
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(seq, 10))
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording is not configured"}, http.StatusServiceUnavailable)
		return
	}

	var req RecordingRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSONWithStatus(w, map[string]any{"error": "invalid JSON body"}, http.StatusBadRequest)
			return
		}
	}

	filename, err := s.recorder.Start(req.Name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrAlreadyRecording) {
			status = http.StatusConflict
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       filename,
		"started_at": unixSeconds(s.clock.Now()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording is not configured"}, http.StatusServiceUnavailable)
		return
	}

	stats, err := s.recorder.Stop()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrNotRecording) {
			status = http.StatusConflict
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       stats.Filename,
		"stats":      stats,
		"stopped_at": unixSeconds(s.clock.Now()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.recorder == nil {
		writeJSON(w, recorder.RecordingStatus{})
		return
	}
	writeJSON(w, s.recorder.GetStatus())
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.webrtc == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC is not configured"}, http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxOfferBytes))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.webrtc.HandleOffer(body)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, webrtc.ErrInvalidOffer):
			status = http.StatusBadRequest
		case errors.Is(err, webrtc.ErrTooManyClients):
			status = http.StatusServiceUnavailable
		}
		s.log.Warnf("WebRTC offer rejected: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method || (method == http.MethodGet && r.Method == http.MethodHead) {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}

// writeLoopError maps loop errors to HTTP statuses.
func writeLoopError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, detect.ErrClosed), errors.Is(err, paint.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, detect.ErrInvalidThreshold):
		status = http.StatusBadRequest
	}
	writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Debug("Monitor", "JSON write failed: %v", err)
	}
}

// ListenAndServe serves the handler on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Monitor", "Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Streaming handlers end once Run closes the broadcasters.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return srv.Close()
		}
		return nil
	}
}
