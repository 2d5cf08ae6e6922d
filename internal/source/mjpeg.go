package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/logger"
)

const maxPartSize = 8 << 20

// MJPEGSource pulls a multipart/x-mixed-replace JPEG stream over HTTP and
// keeps its newest frame. It reconnects after errors.
type MJPEGSource struct {
	Holder

	url        string
	client     *http.Client
	clock      clock.Clock
	retryDelay time.Duration
	log        *logger.Scoped
}

// MJPEGOption customizes an MJPEGSource.
type MJPEGOption func(*MJPEGSource)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) MJPEGOption {
	return func(s *MJPEGSource) { s.client = c }
}

// WithRetryDelay sets the pause between reconnect attempts.
func WithRetryDelay(d time.Duration) MJPEGOption {
	return func(s *MJPEGSource) { s.retryDelay = d }
}

// WithClock sets the clock used for timestamps and reconnect pauses.
func WithClock(clk clock.Clock) MJPEGOption {
	return func(s *MJPEGSource) { s.clock = clk }
}

// NewMJPEGSource creates a source reading from url.
func NewMJPEGSource(url string, opts ...MJPEGOption) *MJPEGSource {
	s := &MJPEGSource{
		url:        url,
		client:     http.DefaultClient,
		clock:      clock.New(),
		retryDelay: 2 * time.Second,
		log:        logger.Module("MJPEGSource"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run reads the stream until ctx is done, reconnecting on failure.
func (s *MJPEGSource) Run(ctx context.Context) error {
	for {
		err := s.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warnf("Stream %s ended: %v (retrying in %v)", s.url, err, s.retryDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.retryDelay):
		}
	}
}

func (s *MJPEGSource) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("parse content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return fmt.Errorf("unexpected content type %q", mediaType)
	}
	boundary := strings.TrimPrefix(params["boundary"], "--")
	if boundary == "" {
		return errors.New("missing multipart boundary")
	}

	s.log.Infof("Connected to %s", s.url)
	mr := multipart.NewReader(resp.Body, boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return fmt.Errorf("next part: %w", err)
		}

		data, err := io.ReadAll(io.LimitReader(part, maxPartSize))
		part.Close()
		if err != nil {
			return fmt.Errorf("read part: %w", err)
		}
		if len(data) == 0 {
			continue
		}

		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			s.log.Debugf("Skipping undecodable part: %v", err)
			continue
		}
		s.Publish(img, s.clock.Now())
	}
}
