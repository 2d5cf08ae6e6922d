// Command annotate runs one detection pass over an image file and writes the
// annotated result, printing the kept detections as JSON.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image/jpeg"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/detector"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/overlay"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/source"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/pkg/types"
)

var (
	inPath       = flag.String("in", "", "Input JPEG or PNG image")
	outPath      = flag.String("out", "annotated.png", "Output image (.png, .jpg or .jpeg)")
	detectorKind = flag.String("detector", "luma", "Detector backend (http, luma)")
	detectorURL  = flag.String("detector-url", "http://localhost:8500/detect", "Inference endpoint for the http detector")
	lumaLevel    = flag.Float64("luma", 60, "Luminance cut-off for the luma detector")
	threshold    = flag.Int("threshold", 50, "Confidence threshold in percent (10-100)")
	quality      = flag.Int("quality", 90, "JPEG quality for .jpg output")
	timeout      = flag.Duration("timeout", 10*time.Second, "Detection timeout")
	logLevel     = flag.String("log-level", "warn", "Log level (debug, info, warn, error, silent)")
)

// options selects the input, detector and output of one run.
type options struct {
	In          string
	Out         string
	Detector    string
	DetectorURL string
	Luma        float64
	Threshold   int
	Quality     int
}

// report is printed to stdout.
type report struct {
	Input      string            `json:"input"`
	Output     string            `json:"output"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	Threshold  float64           `json:"threshold"`
	Raw        int               `json:"raw_count"`
	Detections []types.Detection `json:"detections"`
	Labels     []string          `json:"labels"`
	Counts     detect.Counts     `json:"counts"`
}

func main() {
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, true)

	if *inPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rep, err := run(ctx, options{
		In:          *inPath,
		Out:         *outPath,
		Detector:    *detectorKind,
		DetectorURL: *detectorURL,
		Luma:        *lumaLevel,
		Threshold:   *threshold,
		Quality:     *quality,
	})
	if err != nil {
		logger.Error("Annotate", "%v", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		logger.Error("Annotate", "write report: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) (report, error) {
	img, err := source.LoadImage(opts.In)
	if err != nil {
		return report{}, err
	}
	frame := types.NewFrame(img, 1, time.Now())

	var det detect.Detector
	switch opts.Detector {
	case "luma":
		det = detector.NewLuma(opts.Luma)
	case "http":
		det = detector.NewHTTP(opts.DetectorURL, 0, 90)
	default:
		return report{}, fmt.Errorf("unknown detector %q", opts.Detector)
	}

	start := time.Now()
	raw, err := det.Detect(ctx, frame)
	if err != nil {
		return report{}, fmt.Errorf("detect: %w", err)
	}
	logger.Info("Annotate", "%d raw detections in %v", len(raw), time.Since(start))

	th := detect.PercentToThreshold(opts.Threshold)
	kept := detect.Filter(raw, th)

	surface := overlay.NewSurface()
	renderer, err := overlay.NewRenderer(surface, overlay.DefaultOptions())
	if err != nil {
		return report{}, err
	}
	drawn := renderer.Render(frame, kept)

	if err := writeImage(surface, opts.Out, opts.Quality); err != nil {
		return report{}, err
	}

	return report{
		Input:      opts.In,
		Output:     opts.Out,
		Width:      drawn.Width,
		Height:     drawn.Height,
		Threshold:  th,
		Raw:        len(raw),
		Detections: kept,
		Labels:     drawn.Labels,
		Counts:     detect.NewAggregator().Update(kept),
	}, nil
}

func writeImage(surface *overlay.Surface, path string, quality int) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	w := bufio.NewWriter(f)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(w, surface.Snapshot(), &jpeg.Options{Quality: quality})
	case ".png":
		err = png.Encode(w, surface.Snapshot())
	default:
		return fmt.Errorf("unsupported output extension %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return w.Flush()
}
