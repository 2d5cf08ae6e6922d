// Package shm reads camera frames from the shared memory ring buffer written
// by the capture daemon.
package shm

import (
	"errors"
	"time"
)

// DefaultName is the ring buffer the capture daemon publishes to.
const DefaultName = "/pet_camera_stream"

// ErrUnavailable is returned when the ring buffer cannot be opened.
var ErrUnavailable = errors.New("shm: shared memory not available")

// Options tunes how the ring buffer is opened and polled.
type Options struct {
	OpenAttempts int
	OpenRetry    time.Duration
	WaitTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.OpenAttempts <= 0 {
		o.OpenAttempts = 30
	}
	if o.OpenRetry <= 0 {
		o.OpenRetry = time.Second
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 500 * time.Millisecond
	}
	return o
}
