// Package recorder writes annotated frames to Motion-JPEG files.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/metrics"
)

var (
	// ErrAlreadyRecording is returned by Start while a recording is active.
	ErrAlreadyRecording = errors.New("already recording")
	// ErrNotRecording is returned by Stop when nothing is being recorded.
	ErrNotRecording = errors.New("not recording")
)

const fileExt = ".mjpeg"

// Recorder appends JPEG frames to a .mjpeg file. Frames are handed over
// without blocking and dropped when the writer falls behind.
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	filename     string
	basePath     string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	dropped      atomic.Uint64
	startTime    time.Time
	stopTime     time.Time
	lastErr      error
	frameChan    chan []byte
	stopChan     chan struct{}
	wg           sync.WaitGroup
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewRecorder creates a recorder writing into basePath. m may be nil.
func NewRecorder(basePath string, m *metrics.Metrics) *Recorder {
	return &Recorder{
		basePath:  basePath,
		frameChan: make(chan []byte, 60),
		metrics:   m,
		now:       time.Now,
	}
}

// Start opens a new file and begins accepting frames. An empty name selects
// a timestamped one. It returns the path of the file.
func (r *Recorder) Start(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrAlreadyRecording
	}

	if name == "" {
		name = fmt.Sprintf("recording_%s%s", r.now().Format("20060102_150405"), fileExt)
	}
	name = filepath.Base(name)
	if !strings.HasSuffix(name, fileExt) {
		name += fileExt
	}

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("create recording dir: %w", err)
	}
	path := filepath.Join(r.basePath, name)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create recording file: %w", err)
	}

	r.file = file
	r.filename = path
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.dropped.Store(0)
	r.lastErr = nil
	r.startTime = r.now()
	r.stopTime = time.Time{}
	r.stopChan = make(chan struct{})
	r.setActive(true)

	r.wg.Add(1)
	go r.writeFrames(file, r.stopChan)

	logger.Info("Recorder", "Recording to %s", path)
	return path, nil
}

// Stop flushes queued frames, closes the file and returns the final status.
func (r *Recorder) Stop() (RecordingStatus, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return RecordingStatus{}, ErrNotRecording
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopTime = r.now()
	r.setActive(false)
	var err error
	if r.file != nil {
		if syncErr := r.file.Sync(); syncErr != nil {
			err = fmt.Errorf("sync recording: %w", syncErr)
		}
		if closeErr := r.file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close recording: %w", closeErr)
		}
		r.file = nil
	}

	logger.Info("Recorder", "Stopped %s (%d frames, %d bytes, %d dropped)",
		r.filename, r.frameCount, r.bytesWritten, r.dropped.Load())
	return r.statusLocked(), err
}

// SendFrame queues one JPEG frame. It reports false when not recording or
// when the queue is full.
func (r *Recorder) SendFrame(jpeg []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording {
		return false
	}
	select {
	case r.frameChan <- jpeg:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

func (r *Recorder) writeFrames(file *os.File, stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case frame := <-r.frameChan:
			r.writeFrame(file, frame)
		case <-stop:
			for {
				select {
				case frame := <-r.frameChan:
					r.writeFrame(file, frame)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeFrame(file *os.File, frame []byte) {
	n, err := file.Write(frame)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytesWritten += uint64(n)
	if err != nil {
		r.lastErr = err
		logger.Warn("Recorder", "Write failed: %v", err)
		return
	}
	r.frameCount++
	if r.metrics != nil {
		r.metrics.RecordingFrames.Add(1)
		r.metrics.RecordingBytes.Add(uint64(n))
	}
}

func (r *Recorder) setActive(active bool) {
	if r.metrics == nil {
		return
	}
	if active {
		r.metrics.RecordingActive.Store(1)
	} else {
		r.metrics.RecordingActive.Store(0)
	}
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statusLocked()
}

func (r *Recorder) statusLocked() RecordingStatus {
	var duration time.Duration
	switch {
	case r.recording:
		duration = r.now().Sub(r.startTime)
	case !r.stopTime.IsZero():
		duration = r.stopTime.Sub(r.startTime)
	}

	st := RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		Dropped:      r.dropped.Load(),
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

// Close stops an active recording.
func (r *Recorder) Close() error {
	if !r.IsRecording() {
		return nil
	}
	_, err := r.Stop()
	return err
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	Dropped      uint64    `json:"dropped"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
	LastError    string    `json:"last_error,omitempty"`
}
