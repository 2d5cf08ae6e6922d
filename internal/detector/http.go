package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/pkg/types"
)

// ErrBadResponse is returned when the inference server answers with an error
// status or a body that cannot be decoded.
var ErrBadResponse = errors.New("detector: bad inference response")

// ErrNoImage is returned for frames that carry no image.
var ErrNoImage = errors.New("detector: frame has no image")

const maxResponseSize = 4 << 20

// response is the JSON body returned by the inference server.
type response struct {
	Detections []types.Detection `json:"detections"`
}

// HTTP posts each frame as a JPEG to an inference server.
type HTTP struct {
	url     string
	client  *http.Client
	quality int
}

// NewHTTP creates a client for the inference endpoint at url. A zero timeout
// leaves request lifetime to the caller's context.
func NewHTTP(url string, timeout time.Duration, quality int) *HTTP {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return &HTTP{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		quality: quality,
	}
}

// Detect encodes frame and returns the server's detections.
func (h *HTTP) Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	if frame == nil || frame.Image == nil {
		return nil, ErrNoImage
	}

	var body bytes.Buffer
	if err := jpeg.Encode(&body, frame.Image, &jpeg.Options{Quality: h.quality}); err != nil {
		return nil, fmt.Errorf("encode frame %d: %w", frame.Seq, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Frame-Seq", fmt.Sprint(frame.Seq))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return sanitize(out.Detections), nil
}
