package apicontract

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/detector"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/overlay"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/paint"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/source"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/webmonitor"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/webrtc"
)

// sceneImage is a light frame with two dark objects of different darkness.
func sceneImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 160, 120))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Gray{Y: 220}}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(10, 10, 50, 40), &image.Uniform{C: color.Gray{Y: 0}}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(90, 60, 130, 100), &image.Uniform{C: color.Gray{Y: 40}}, image.Point{}, draw.Src)
	return img
}

// startLocalStack wires the real loop, renderer, recorder and monitor over a
// static scene and returns the base URL of the monitor.
func startLocalStack(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.New()
	sched := paint.New(clock.New(), 30)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = sched.Run(ctx)
	}()

	surface := overlay.NewSurface()
	renderer, err := overlay.NewRenderer(surface, overlay.DefaultOptions())
	if err != nil {
		t.Fatalf("renderer: %v", err)
	}

	loop, err := detect.NewLoop(sched, source.NewStatic(sceneImage()), detector.NewLuma(100), renderer, detect.LoopConfig{}, m)
	if err != nil {
		t.Fatalf("loop: %v", err)
	}

	rtc := webrtc.NewServer([]string{}, 2, m)
	srv, err := webmonitor.NewServer(webmonitor.Config{StatusInterval: 200 * time.Millisecond}, webmonitor.Deps{
		Loop:     loop,
		Surface:  surface,
		Recorder: recorder.NewRecorder(t.TempDir(), m),
		WebRTC:   rtc,
		Metrics:  m,
	})
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		_ = srv.Run(ctx)
	}()

	if err := loop.Start(ctx); err != nil {
		t.Fatalf("start loop: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = loop.Close()
		cancel()
		<-monitorDone
		<-schedDone
		_ = rtc.Close()
		ts.Close()
	})
	return ts.URL
}
