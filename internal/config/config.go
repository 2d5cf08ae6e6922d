// Package config holds the service configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Source kinds.
const (
	SourceMJPEG = "mjpeg"
	SourceDir   = "dir"
	SourceSHM   = "shm"
	SourceImage = "image"
)

// Detector kinds.
const (
	DetectorHTTP = "http"
	DetectorLuma = "luma"
)

// SourceConfig selects where frames come from.
type SourceConfig struct {
	Kind    string `yaml:"kind"`
	URL     string `yaml:"url"`
	Dir     string `yaml:"dir"`
	Image   string `yaml:"image"`
	ShmName string `yaml:"shm_name"`
	FPS     int    `yaml:"fps"`
}

// DetectorConfig selects the inference backend.
type DetectorConfig struct {
	Kind          string        `yaml:"kind"`
	URL           string        `yaml:"url"`
	Timeout       time.Duration `yaml:"timeout"`
	JPEGQuality   int           `yaml:"jpeg_quality"`
	LumaThreshold float64       `yaml:"luma_threshold"`
	MinArea       int           `yaml:"min_area"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level      string `yaml:"level"`
	Color      bool   `yaml:"color"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config defines the runtime configuration of the detection monitor.
type Config struct {
	Addr             string         `yaml:"addr"`
	MetricsAddr      string         `yaml:"metrics_addr"`
	PprofAddr        string         `yaml:"pprof_addr"`
	PaintFPS         int            `yaml:"paint_fps"`
	ThresholdPercent int            `yaml:"threshold_percent"`
	HistorySize      int            `yaml:"history_size"`
	AutoStart        bool           `yaml:"auto_start"`
	StatusInterval   time.Duration  `yaml:"status_interval"`
	MJPEGInterval    time.Duration  `yaml:"mjpeg_interval"`
	JPEGQuality      int            `yaml:"jpeg_quality"`
	RecordingDir     string         `yaml:"recording_dir"`
	MaxWebRTCClients int            `yaml:"max_webrtc_clients"`
	STUNServers      []string       `yaml:"stun_servers"`
	AssetsDir        string         `yaml:"assets_dir"`
	LineWidth        float64        `yaml:"line_width"`
	FontSize         float64        `yaml:"font_size"`
	Source           SourceConfig   `yaml:"source"`
	Detector         DetectorConfig `yaml:"detector"`
	Log              LogConfig      `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:             ":8080",
		MetricsAddr:      ":9090",
		PprofAddr:        "",
		PaintFPS:         30,
		ThresholdPercent: 50,
		HistorySize:      8,
		AutoStart:        true,
		StatusInterval:   2 * time.Second,
		MJPEGInterval:    33 * time.Millisecond,
		JPEGQuality:      80,
		RecordingDir:     "./recordings",
		MaxWebRTCClients: 10,
		STUNServers:      []string{"stun:stun.l.google.com:19302"},
		LineWidth:        3,
		FontSize:         14,
		Source: SourceConfig{
			Kind:    SourceMJPEG,
			URL:     "http://localhost:8081/stream",
			ShmName: "/pet_camera_stream",
			FPS:     10,
		},
		Detector: DetectorConfig{
			Kind:          DetectorHTTP,
			URL:           "http://localhost:8500/detect",
			Timeout:       5 * time.Second,
			JPEGQuality:   85,
			LumaThreshold: 60,
			MinArea:       64,
		},
		Log: LogConfig{
			Level:      "info",
			Color:      true,
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every inconsistent field.
func (c Config) Validate() error {
	var err error
	if c.Addr == "" {
		err = multierr.Append(err, errors.New("addr is required"))
	}
	if c.PaintFPS <= 0 || c.PaintFPS > 240 {
		err = multierr.Append(err, fmt.Errorf("paint_fps %d out of range 1..240", c.PaintFPS))
	}
	if c.ThresholdPercent < 10 || c.ThresholdPercent > 100 {
		err = multierr.Append(err, fmt.Errorf("threshold_percent %d out of range 10..100", c.ThresholdPercent))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		err = multierr.Append(err, fmt.Errorf("jpeg_quality %d out of range 1..100", c.JPEGQuality))
	}
	if c.HistorySize < 0 {
		err = multierr.Append(err, errors.New("history_size must not be negative"))
	}
	if c.StatusInterval <= 0 || c.MJPEGInterval <= 0 {
		err = multierr.Append(err, errors.New("status_interval and mjpeg_interval must be positive"))
	}

	switch c.Source.Kind {
	case SourceMJPEG:
		if c.Source.URL == "" {
			err = multierr.Append(err, errors.New("source.url is required for mjpeg"))
		}
	case SourceDir:
		if c.Source.Dir == "" {
			err = multierr.Append(err, errors.New("source.dir is required for dir"))
		}
	case SourceImage:
		if c.Source.Image == "" {
			err = multierr.Append(err, errors.New("source.image is required for image"))
		}
	case SourceSHM:
	default:
		err = multierr.Append(err, fmt.Errorf("unknown source.kind %q", c.Source.Kind))
	}

	switch c.Detector.Kind {
	case DetectorHTTP:
		if c.Detector.URL == "" {
			err = multierr.Append(err, errors.New("detector.url is required for http"))
		}
	case DetectorLuma:
		if c.Detector.LumaThreshold <= 0 || c.Detector.LumaThreshold > 256 {
			err = multierr.Append(err, fmt.Errorf("detector.luma_threshold %v out of range", c.Detector.LumaThreshold))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("unknown detector.kind %q", c.Detector.Kind))
	}
	return err
}
