//go:build linux && cgo

package shm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMissingRingBuffer(t *testing.T) {
	_, err := Open(context.Background(), "/detection_monitor_test_missing", Options{
		OpenAttempts: 2,
		OpenRetry:    time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOpenHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Open(ctx, "/detection_monitor_test_missing", Options{OpenAttempts: 5, OpenRetry: time.Hour})
	assert.ErrorIs(t, err, context.Canceled)
}
