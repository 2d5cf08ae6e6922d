package metrics

import (
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Loop counters
	Iterations        atomic.Uint64
	FramesUnavailable atomic.Uint64
	InferenceFailures atomic.Uint64
	StaleCompletions  atomic.Uint64
	FramesRendered    atomic.Uint64

	// Detection counters
	DetectionsRaw  atomic.Uint64
	DetectionsKept atomic.Uint64

	// Loop state
	LoopRunning    atomic.Uint64 // 0 = stopped, 1 = running
	Transitions    atomic.Uint64 // Stopped<->Running changes
	thresholdMilli atomic.Uint64 // threshold * 1000

	// Latency tracking
	InferenceLatencyMs atomic.Uint64 // Last inference latency in ms
	RenderLatencyMs    atomic.Uint64 // Last render latency in ms

	// Surface dimensions
	SurfaceWidth  atomic.Uint64
	SurfaceHeight atomic.Uint64

	// Stream clients
	MJPEGClients  atomic.Uint64
	SSEClients    atomic.Uint64
	WebRTCClients atomic.Uint64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64

	labelCounts      *prometheus.CounterVec
	inferenceSeconds prometheus.Histogram

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		v    *atomic.Uint64
	}{
		{"detect_loop_iterations_total", "Total loop iterations that reached the detector", &m.Iterations},
		{"detect_frames_unavailable_total", "Iterations skipped because no frame was available", &m.FramesUnavailable},
		{"detect_inference_failures_total", "Detector calls that returned an error", &m.InferenceFailures},
		{"detect_stale_completions_total", "Inference results discarded after stop or restart", &m.StaleCompletions},
		{"detect_frames_rendered_total", "Frames drawn onto the surface", &m.FramesRendered},
		{"detect_detections_raw_total", "Detections returned by the detector", &m.DetectionsRaw},
		{"detect_detections_kept_total", "Detections at or above the confidence threshold", &m.DetectionsKept},
		{"detect_loop_running", "Loop state (0=stopped, 1=running)", &m.LoopRunning},
		{"detect_loop_transitions_total", "Loop state changes", &m.Transitions},
		{"detect_inference_latency_ms", "Last inference latency in milliseconds", &m.InferenceLatencyMs},
		{"detect_render_latency_ms", "Last render latency in milliseconds", &m.RenderLatencyMs},
		{"detect_surface_width_pixels", "Current render surface width", &m.SurfaceWidth},
		{"detect_surface_height_pixels", "Current render surface height", &m.SurfaceHeight},
		{"monitor_mjpeg_clients", "Connected MJPEG clients", &m.MJPEGClients},
		{"monitor_sse_clients", "Connected SSE clients", &m.SSEClients},
		{"monitor_webrtc_clients", "Connected WebRTC data channel clients", &m.WebRTCClients},
		{"monitor_recording_active", "Recording active (0=inactive, 1=active)", &m.RecordingActive},
		{"monitor_recording_bytes", "Total bytes written to recording", &m.RecordingBytes},
		{"monitor_recording_frames", "Total frames written to recording", &m.RecordingFrames},
	}

	for _, g := range gauges {
		v := g.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_confidence_threshold",
			Help: "Confidence threshold currently applied to detections",
		},
		func() float64 { return m.Threshold() },
	))

	m.labelCounts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detect_label_detections_total",
			Help: "Kept detections per label",
		},
		[]string{"label"},
	)
	m.registry.MustRegister(m.labelCounts)

	m.inferenceSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "detect_inference_duration_seconds",
		Help:    "Detector call duration",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	})
	m.registry.MustRegister(m.inferenceSeconds)
}

// ObserveInference records one detector call duration
func (m *Metrics) ObserveInference(d time.Duration) {
	m.InferenceLatencyMs.Store(uint64(d.Milliseconds()))
	m.inferenceSeconds.Observe(d.Seconds())
}

// ObserveLabel counts one kept detection for label
func (m *Metrics) ObserveLabel(label string) {
	m.labelCounts.WithLabelValues(label).Inc()
}

// SetThreshold records the applied confidence threshold
func (m *Metrics) SetThreshold(v float64) {
	m.thresholdMilli.Store(uint64(math.Round(v * 1000)))
}

// Threshold returns the recorded confidence threshold
func (m *Metrics) Threshold() float64 {
	return float64(m.thresholdMilli.Load()) / 1000
}

// SetRunning records the loop state
func (m *Metrics) SetRunning(running bool) {
	if running {
		m.LoopRunning.Store(1)
	} else {
		m.LoopRunning.Store(0)
	}
}

// UpdateSurface records the render surface dimensions
func (m *Metrics) UpdateSurface(width, height int) {
	m.SurfaceWidth.Store(uint64(width))
	m.SurfaceHeight.Store(uint64(height))
}

// Registry exposes the private registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
