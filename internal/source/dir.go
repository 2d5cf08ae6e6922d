package source

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/logger"
)

// DirSource replays the images of a directory in name order, looping, at a
// fixed rate.
type DirSource struct {
	Holder

	clock    clock.Clock
	interval time.Duration
	images   []image.Image
	names    []string
}

// NewDirSource decodes every JPEG and PNG file in dir.
func NewDirSource(dir string, fps int, clk clock.Clock) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}

	images := make([]image.Image, 0, len(names))
	for _, name := range names {
		img, err := loadImage(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}

	if clk == nil {
		clk = clock.New()
	}
	if fps <= 0 {
		fps = 10
	}
	return &DirSource{
		clock:    clk,
		interval: time.Second / time.Duration(fps),
		images:   images,
		names:    names,
	}, nil
}

// Len returns the number of images in the playlist.
func (d *DirSource) Len() int {
	return len(d.images)
}

// Run publishes the first image immediately and then one image per interval
// until ctx is done.
func (d *DirSource) Run(ctx context.Context) error {
	ticker := d.clock.Ticker(d.interval)
	defer ticker.Stop()

	logger.Info("DirSource", "Replaying %d images every %v", len(d.images), d.interval)
	next := 0
	publish := func() {
		d.Publish(d.images[next], d.clock.Now())
		logger.Debug("DirSource", "Published %s", d.names[next])
		next = (next + 1) % len(d.images)
	}
	publish()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			publish()
		}
	}
}

// LoadImage decodes a JPEG or PNG file.
func LoadImage(path string) (image.Image, error) {
	return loadImage(path)
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}
