// Package detect implements the detection loop: frame acquisition, inference,
// confidence filtering, aggregation and rendering, paced by the paint
// scheduler.
package detect

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/overlay"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/paint"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/pkg/types"
)

const (
	defaultHistorySize = 8
	closeTimeout       = 2 * time.Second
	warnInterval       = 5 * time.Second
)

// ErrClosed is returned by control calls after Close.
var ErrClosed = errors.New("detect: loop closed")

// FrameSource provides the most recent frame. Implementations return an error
// wrapping source.ErrNoFrame when nothing is available yet.
type FrameSource interface {
	Latest() (*types.Frame, error)
}

// Detector runs inference on one frame. It may block for an unbounded time
// and must return when ctx is cancelled.
type Detector interface {
	Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error)
}

// Renderer composites a frame and its filtered detections.
type Renderer interface {
	Render(frame *types.Frame, batch []types.Detection) overlay.Drawn
}

// State is the loop's run state.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "stopped":
		*s = Stopped
	case "running":
		*s = Running
	default:
		return fmt.Errorf("detect: unknown state %q", text)
	}
	return nil
}

// Result describes one completed iteration.
type Result struct {
	Version        uint64            `json:"version"`
	DetectionsFrom uint64            `json:"detections_frame"`
	DrawnFrame     uint64            `json:"drawn_frame"`
	Timestamp      time.Time         `json:"timestamp"`
	Width          int               `json:"width"`
	Height         int               `json:"height"`
	Raw            int               `json:"raw_count"`
	Detections     []types.Detection `json:"detections"`
	Labels         []string          `json:"labels"`
	Counts         Counts            `json:"counts"`
	Threshold      float64           `json:"threshold"`
	InferenceTime  time.Duration     `json:"inference_time_ns"`
}

// Status is a consistent view of the loop taken on the scheduler goroutine.
type Status struct {
	State             State    `json:"state"`
	Threshold         float64  `json:"threshold"`
	ThresholdPercent  int      `json:"threshold_percent"`
	Counts            Counts   `json:"counts"`
	Latest            *Result  `json:"latest,omitempty"`
	History           []Result `json:"history"`
	InFlight          bool     `json:"in_flight"`
	Iterations        uint64   `json:"iterations"`
	FramesUnavailable uint64   `json:"frames_unavailable"`
	InferenceFailures uint64   `json:"inference_failures"`
	StaleCompletions  uint64   `json:"stale_completions"`
}

// LoopConfig holds the tunables of a Loop.
type LoopConfig struct {
	// Threshold is the initial confidence threshold. Zero selects
	// DefaultThreshold.
	Threshold float64
	// HistorySize bounds the number of recent non-empty results kept for
	// status. Zero selects 8.
	HistorySize int
}

// Loop is the detection loop. All of its state below the mutex-guarded
// observer set is touched only on the scheduler goroutine.
type Loop struct {
	sched    *paint.Scheduler
	source   FrameSource
	detector Detector
	renderer Renderer
	metrics  *metrics.Metrics
	log      *logger.Scoped
	noFrame  *logger.Limiter
	failures *logger.Limiter

	baseCtx    context.Context
	baseCancel context.CancelFunc
	closeOnce  sync.Once

	obsMu     sync.Mutex
	observers map[int]func(Result)
	nextObs   int

	// scheduler goroutine only
	state       State
	closed      bool
	threshold   float64
	agg         *Aggregator
	pending     paint.FrameID
	gen         uint64
	cancelInfer context.CancelFunc
	latest      *Result
	history     []Result
	historySize int
	version     uint64
}

// NewLoop creates a stopped loop. m may be nil.
func NewLoop(sched *paint.Scheduler, src FrameSource, det Detector, r Renderer, cfg LoopConfig, m *metrics.Metrics) (*Loop, error) {
	switch {
	case sched == nil:
		return nil, errors.New("detect: nil scheduler")
	case src == nil:
		return nil, errors.New("detect: nil frame source")
	case det == nil:
		return nil, errors.New("detect: nil detector")
	case r == nil:
		return nil, errors.New("detect: nil renderer")
	}
	if math.IsNaN(cfg.Threshold) {
		return nil, ErrInvalidThreshold
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if m == nil {
		m = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		sched:       sched,
		source:      src,
		detector:    det,
		renderer:    r,
		metrics:     m,
		log:         logger.Module("Loop"),
		noFrame:     logger.Every(warnInterval),
		failures:    logger.Every(warnInterval),
		baseCtx:     ctx,
		baseCancel:  cancel,
		observers:   make(map[int]func(Result)),
		threshold:   ClampThreshold(cfg.Threshold),
		agg:         NewAggregator(),
		historySize: cfg.HistorySize,
	}
	m.SetThreshold(l.threshold)
	m.SetRunning(false)
	return l, nil
}

// Start moves the loop to Running. The first iteration runs at the next paint.
// Starting a running loop does nothing.
func (l *Loop) Start(ctx context.Context) error {
	return l.do(ctx, func() error { return l.start() })
}

// Stop moves the loop to Stopped, cancels the pending paint request and the
// in-flight inference. Once it returns no further inference starts and no
// draw happens. Stopping a stopped loop does nothing.
func (l *Loop) Stop(ctx context.Context) error {
	return l.do(ctx, func() error {
		l.stop()
		return nil
	})
}

// Restart stops the loop, clears the counts and starts it again.
func (l *Loop) Restart(ctx context.Context) error {
	return l.do(ctx, func() error {
		l.stop()
		l.agg.Reset()
		l.log.Infof("Counts cleared on restart")
		return l.start()
	})
}

// ResetCounts clears the cumulative counts without touching the run state.
func (l *Loop) ResetCounts(ctx context.Context) error {
	return l.do(ctx, func() error {
		l.agg.Reset()
		l.log.Infof("Counts cleared")
		return nil
	})
}

// SetConfidenceThreshold clamps v to [0,1] and applies it from the next
// filtered batch. It returns the stored value.
func (l *Loop) SetConfidenceThreshold(ctx context.Context, v float64) (float64, error) {
	if math.IsNaN(v) {
		return 0, ErrInvalidThreshold
	}
	v = ClampThreshold(v)
	err := l.do(ctx, func() error {
		l.threshold = v
		l.metrics.SetThreshold(v)
		return nil
	})
	return v, err
}

// SetConfidencePercent sets the threshold from a user percentage, clamped to
// 10..100.
func (l *Loop) SetConfidencePercent(ctx context.Context, percent int) (float64, error) {
	return l.SetConfidenceThreshold(ctx, PercentToThreshold(percent))
}

// Status returns a snapshot of the loop.
func (l *Loop) Status(ctx context.Context) (Status, error) {
	var st Status
	err := l.do(ctx, func() error {
		st = Status{
			State:             l.state,
			Threshold:         l.threshold,
			ThresholdPercent:  ThresholdPercent(l.threshold),
			Counts:            l.agg.Counts(),
			History:           make([]Result, len(l.history)),
			InFlight:          l.cancelInfer != nil,
			Iterations:        l.metrics.Iterations.Load(),
			FramesUnavailable: l.metrics.FramesUnavailable.Load(),
			InferenceFailures: l.metrics.InferenceFailures.Load(),
			StaleCompletions:  l.metrics.StaleCompletions.Load(),
		}
		copy(st.History, l.history)
		if l.latest != nil {
			latest := *l.latest
			st.Latest = &latest
		}
		return nil
	})
	return st, err
}

// Observe registers fn to receive every Result. fn runs on the scheduler
// goroutine and must not block or call back into the loop synchronously.
// The returned func removes the observer.
func (l *Loop) Observe(fn func(Result)) (cancel func()) {
	l.obsMu.Lock()
	id := l.nextObs
	l.nextObs++
	l.observers[id] = fn
	l.obsMu.Unlock()

	return func() {
		l.obsMu.Lock()
		delete(l.observers, id)
		l.obsMu.Unlock()
	}
}

// Close stops the loop for good and releases the pending paint request, the
// in-flight inference and all observers. It is safe to call more than once
// and after the scheduler has shut down.
func (l *Loop) Close() error {
	var err error
	l.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		err = l.sched.Do(ctx, func() {
			l.stop()
			l.closed = true
		})
		if errors.Is(err, paint.ErrClosed) {
			// Pending requests died with the scheduler.
			err = nil
		}
		l.baseCancel()

		l.obsMu.Lock()
		clear(l.observers)
		l.obsMu.Unlock()
	})
	return err
}

func (l *Loop) do(ctx context.Context, fn func() error) error {
	var inner error
	if err := l.sched.Do(ctx, func() { inner = fn() }); err != nil {
		return err
	}
	return inner
}

func (l *Loop) start() error {
	if l.closed {
		return ErrClosed
	}
	if l.state == Running {
		return nil
	}
	l.state = Running
	l.gen++
	l.metrics.SetRunning(true)
	l.metrics.Transitions.Add(1)
	l.log.Infof("Detection started (threshold %d%%)", ThresholdPercent(l.threshold))
	l.schedule()
	return nil
}

func (l *Loop) stop() {
	if l.state == Stopped {
		return
	}
	l.state = Stopped
	l.gen++
	l.sched.CancelFrame(l.pending)
	l.pending = 0
	if l.cancelInfer != nil {
		l.cancelInfer()
		l.cancelInfer = nil
	}
	l.metrics.SetRunning(false)
	l.metrics.Transitions.Add(1)
	l.log.Infof("Detection stopped")
}

func (l *Loop) schedule() {
	if l.state != Running || l.closed {
		return
	}
	gen := l.gen
	l.pending = l.sched.RequestFrame(func(now time.Time) {
		l.iterate(gen, now)
	})
}

func (l *Loop) iterate(gen uint64, now time.Time) {
	l.pending = 0
	if l.state != Running || gen != l.gen {
		return
	}

	frame, err := l.source.Latest()
	if err == nil && frame == nil {
		err = errors.New("source returned no frame")
	}
	if err != nil {
		l.metrics.FramesUnavailable.Add(1)
		if ok, dropped := l.noFrame.Allow(now); ok {
			l.log.Warnf("No frame available: %v (%d suppressed)", err, dropped)
		}
		l.schedule()
		return
	}

	l.metrics.Iterations.Add(1)
	ctx, cancel := context.WithCancel(l.baseCtx)
	l.cancelInfer = cancel
	clk := l.sched.Clock()

	go func() {
		started := clk.Now()
		batch, err := l.detector.Detect(ctx, frame)
		elapsed := clk.Since(started)
		if !l.sched.Post(func() { l.complete(gen, frame, batch, err, elapsed) }) {
			cancel()
		}
	}()
}

func (l *Loop) complete(gen uint64, frame *types.Frame, raw []types.Detection, err error, elapsed time.Duration) {
	if l.state != Running || gen != l.gen {
		l.metrics.StaleCompletions.Add(1)
		l.log.Debugf("Discarded inference for frame %d", frame.Seq)
		return
	}
	l.cancelInfer()
	l.cancelInfer = nil

	if err != nil {
		l.metrics.InferenceFailures.Add(1)
		if ok, dropped := l.failures.Allow(l.sched.Clock().Now()); ok {
			l.log.Warnf("Inference failed for frame %d: %v (%d suppressed)", frame.Seq, err, dropped)
		}
		l.schedule()
		return
	}

	l.metrics.ObserveInference(elapsed)
	l.metrics.DetectionsRaw.Add(uint64(len(raw)))

	kept := Filter(raw, l.threshold)
	l.metrics.DetectionsKept.Add(uint64(len(kept)))
	for _, d := range kept {
		l.metrics.ObserveLabel(d.Label)
	}
	counts := l.agg.Update(kept)

	// Draw the newest frame, but never one older than the inferred frame.
	target := frame
	if live, err := l.source.Latest(); err == nil && live != nil && live.Seq >= frame.Seq {
		target = live
	}

	renderStart := l.sched.Clock().Now()
	drawn := l.renderer.Render(target, kept)
	l.metrics.RenderLatencyMs.Store(uint64(l.sched.Clock().Since(renderStart).Milliseconds()))
	l.metrics.FramesRendered.Add(1)
	l.metrics.UpdateSurface(drawn.Width, drawn.Height)
	if drawn.Resized {
		l.log.Infof("Surface resized to %dx%d", drawn.Width, drawn.Height)
	}

	l.version++
	res := Result{
		Version:        l.version,
		DetectionsFrom: frame.Seq,
		DrawnFrame:     drawn.FrameSeq,
		Timestamp:      l.sched.Clock().Now(),
		Width:          drawn.Width,
		Height:         drawn.Height,
		Raw:            len(raw),
		Detections:     kept,
		Labels:         drawn.Labels,
		Counts:         counts,
		Threshold:      l.threshold,
		InferenceTime:  elapsed,
	}
	l.latest = &res
	if len(kept) > 0 {
		l.history = append(l.history, res)
		if len(l.history) > l.historySize {
			l.history = l.history[len(l.history)-l.historySize:]
		}
	}

	l.notify(res)
	l.schedule()
}

func (l *Loop) notify(res Result) {
	l.obsMu.Lock()
	fns := make([]func(Result), 0, len(l.observers))
	for _, fn := range l.observers {
		fns = append(fns, fn)
	}
	l.obsMu.Unlock()

	for _, fn := range fns {
		fn(res)
	}
}
