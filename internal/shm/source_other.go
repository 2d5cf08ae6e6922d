//go:build !linux || !cgo

package shm

import (
	"context"
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/source"
)

// Source is unavailable on this platform.
type Source struct {
	source.Holder
}

// Open always fails without linux and cgo.
func Open(ctx context.Context, name string, opts Options) (*Source, error) {
	return nil, fmt.Errorf("open shared memory %s: %w (requires linux and cgo)", name, ErrUnavailable)
}

// Run returns immediately.
func (s *Source) Run(ctx context.Context) error {
	return ErrUnavailable
}

// Close does nothing.
func (s *Source) Close() error {
	return nil
}
