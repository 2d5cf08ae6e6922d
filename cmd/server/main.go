package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/detector"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/overlay"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/paint"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/shm"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/source"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/webmonitor"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/webrtc"
)

var (
	// Command-line flags; set flags override the config file
	configPath   = flag.String("config", "", "YAML config file (built-in defaults when empty)")
	httpAddr     = flag.String("http", "", "HTTP server address")
	metricsAddr  = flag.String("metrics", "", "Metrics server address")
	pprofAddr    = flag.String("pprof", "", "pprof server address")
	sourceKind   = flag.String("source", "", "Frame source (mjpeg, dir, shm, image)")
	sourceArg    = flag.String("source-arg", "", "Source URL, directory, image path or shared memory name")
	detectorKind = flag.String("detector", "", "Detector backend (http, luma)")
	detectorURL  = flag.String("detector-url", "", "Inference endpoint for the http detector")
	threshold    = flag.Int("threshold", 0, "Initial confidence threshold in percent (10-100)")
	logLevel     = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logFile      = flag.String("log-file", "", "Also write logs to this rotating file")
)

// Server owns every component of the detection monitor.
type Server struct {
	cfg       config.Config
	metrics   *metrics.Metrics
	scheduler *paint.Scheduler
	source    detect.FrameSource
	runSource func(context.Context) error
	closers   []func() error
	loop      *detect.Loop
	recorder  *recorder.Recorder
	webrtc    *webrtc.Server
	monitor   *webmonitor.Server
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.InitWithFile(level, os.Stderr, cfg.Log.Color, logger.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	logger.Info("Main", "Detection monitor starting...")
	logger.Info("Main", "Log level: %s", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := NewServer(ctx, cfg)
	if err != nil {
		logger.Error("Main", "Failed to create server: %v", err)
		os.Exit(1)
	}

	runErr := srv.Run(ctx)
	if err := multierr.Append(runErr, srv.Shutdown()); err != nil {
		for _, e := range multierr.Errors(err) {
			logger.Error("Main", "%v", e)
		}
		os.Exit(1)
	}
	logger.Info("Main", "Server stopped")
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if *httpAddr != "" {
		cfg.Addr = *httpAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *pprofAddr != "" {
		cfg.PprofAddr = *pprofAddr
	}
	if *sourceKind != "" {
		cfg.Source.Kind = *sourceKind
	}
	if *sourceArg != "" {
		switch cfg.Source.Kind {
		case config.SourceMJPEG:
			cfg.Source.URL = *sourceArg
		case config.SourceDir:
			cfg.Source.Dir = *sourceArg
		case config.SourceImage:
			cfg.Source.Image = *sourceArg
		case config.SourceSHM:
			cfg.Source.ShmName = *sourceArg
		}
	}
	if *detectorKind != "" {
		cfg.Detector.Kind = *detectorKind
	}
	if *detectorURL != "" {
		cfg.Detector.URL = *detectorURL
	}
	if *threshold != 0 {
		cfg.ThresholdPercent = *threshold
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	return cfg, cfg.Validate()
}

// NewServer builds the frame source, detector, renderer, loop and web
// monitor described by cfg.
func NewServer(ctx context.Context, cfg config.Config) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		metrics:   metrics.New(),
		scheduler: paint.New(clock.New(), cfg.PaintFPS),
	}

	if err := s.buildSource(ctx); err != nil {
		return nil, err
	}

	det, err := buildDetector(cfg.Detector)
	if err != nil {
		return nil, multierr.Append(err, s.closeAll())
	}

	opts := overlay.DefaultOptions()
	opts.LineWidth = cfg.LineWidth
	opts.FontSize = cfg.FontSize
	surface := overlay.NewSurface()
	renderer, err := overlay.NewRenderer(surface, opts)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to create renderer: %w", err), s.closeAll())
	}

	s.loop, err = detect.NewLoop(s.scheduler, s.source, det, renderer, detect.LoopConfig{
		Threshold:   detect.PercentToThreshold(cfg.ThresholdPercent),
		HistorySize: cfg.HistorySize,
	}, s.metrics)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to create loop: %w", err), s.closeAll())
	}

	s.recorder = recorder.NewRecorder(cfg.RecordingDir, s.metrics)
	s.webrtc = webrtc.NewServer(cfg.STUNServers, cfg.MaxWebRTCClients, s.metrics)

	var assets []string
	if cfg.AssetsDir != "" {
		assets = append(assets, cfg.AssetsDir)
	}
	s.monitor, err = webmonitor.NewServer(webmonitor.Config{
		StatusInterval: cfg.StatusInterval,
		MJPEGInterval:  cfg.MJPEGInterval,
		JPEGQuality:    cfg.JPEGQuality,
		AssetsDirs:     assets,
	}, webmonitor.Deps{
		Loop:     s.loop,
		Surface:  surface,
		Recorder: s.recorder,
		WebRTC:   s.webrtc,
		Metrics:  s.metrics,
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to create monitor: %w", err), s.closeAll())
	}
	return s, nil
}

func (s *Server) buildSource(ctx context.Context) error {
	sc := s.cfg.Source
	switch sc.Kind {
	case config.SourceMJPEG:
		src := source.NewMJPEGSource(sc.URL)
		s.source, s.runSource = src, src.Run
	case config.SourceDir:
		src, err := source.NewDirSource(sc.Dir, sc.FPS, clock.New())
		if err != nil {
			return fmt.Errorf("failed to open frame directory: %w", err)
		}
		s.source, s.runSource = src, src.Run
	case config.SourceImage:
		img, err := source.LoadImage(sc.Image)
		if err != nil {
			return fmt.Errorf("failed to load image: %w", err)
		}
		s.source = source.NewStatic(img)
	case config.SourceSHM:
		src, err := shm.Open(ctx, sc.ShmName, shm.Options{})
		if err != nil {
			return fmt.Errorf("failed to open shared memory: %w", err)
		}
		s.source, s.runSource = src, src.Run
		s.closers = append(s.closers, src.Close)
	default:
		return fmt.Errorf("unknown source kind %q", sc.Kind)
	}
	logger.Info("Main", "Frame source: %s", sc.Kind)
	return nil
}

func buildDetector(dc config.DetectorConfig) (detect.Detector, error) {
	switch dc.Kind {
	case config.DetectorHTTP:
		logger.Info("Main", "Detector: %s", dc.URL)
		return detector.NewHTTP(dc.URL, dc.Timeout, dc.JPEGQuality), nil
	case config.DetectorLuma:
		l := detector.NewLuma(dc.LumaThreshold)
		if dc.MinArea > 0 {
			l.MinArea = dc.MinArea
		}
		logger.Info("Main", "Detector: luma (threshold=%.0f)", dc.LumaThreshold)
		return l, nil
	default:
		return nil, fmt.Errorf("unknown detector kind %q", dc.Kind)
	}
}

// Run starts every component and blocks until ctx is done or one of them
// fails.
func (s *Server) Run(ctx context.Context) error {
	logger.Info("Main", "Starting detection monitor...")
	logger.Info("Main", "  HTTP server: %s", s.cfg.Addr)
	logger.Info("Main", "  Metrics server: %s", s.cfg.MetricsAddr)
	logger.Info("Main", "  pprof server: %s", s.cfg.PprofAddr)
	logger.Info("Main", "  Recording path: %s", s.cfg.RecordingDir)
	logger.Info("Main", "  Paint rate: %d fps", s.cfg.PaintFPS)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCanceled(s.scheduler.Run(gctx)) })
	if s.runSource != nil {
		g.Go(func() error { return ignoreCanceled(s.runSource(gctx)) })
	}
	g.Go(func() error { return s.monitor.Run(gctx) })
	g.Go(func() error { return s.monitor.ListenAndServe(gctx, s.cfg.Addr) })
	if s.cfg.MetricsAddr != "" {
		g.Go(func() error { return serveHTTP(gctx, "Metrics", s.metrics.NewServer(s.cfg.MetricsAddr)) })
	}
	if s.cfg.PprofAddr != "" {
		g.Go(func() error {
			return serveHTTP(gctx, "pprof", &http.Server{
				Addr:              s.cfg.PprofAddr,
				Handler:           http.DefaultServeMux,
				ReadHeaderTimeout: 5 * time.Second,
			})
		})
	}
	if s.cfg.AutoStart {
		g.Go(func() error {
			if err := s.loop.Start(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("start loop: %w", err)
			}
			logger.Info("Main", "Detection loop started")
			return nil
		})
	}

	return g.Wait()
}

// Shutdown releases every component. It is called after Run returns.
func (s *Server) Shutdown() error {
	s.scheduler.Close()
	err := s.loop.Close()
	if s.recorder.IsRecording() {
		if _, stopErr := s.recorder.Stop(); stopErr != nil {
			err = multierr.Append(err, fmt.Errorf("stop recording: %w", stopErr))
		}
	}
	err = multierr.Append(err, s.recorder.Close())
	err = multierr.Append(err, s.webrtc.Close())
	return multierr.Append(err, s.closeAll())
}

func (s *Server) closeAll() error {
	var err error
	for _, closeFn := range s.closers {
		err = multierr.Append(err, closeFn())
	}
	s.closers = nil
	return err
}

// serveHTTP runs srv until ctx is done and then shuts it down.
func serveHTTP(ctx context.Context, name string, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Main", "Starting %s server on %s", name, srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
