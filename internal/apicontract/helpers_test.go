package apicontract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

const defaultRequestTimeout = 2 * time.Second

type contractClient struct {
	baseURL string
	client  *http.Client
	remote  bool
}

// newContractClient targets MONITOR_BASE_URL when set and otherwise starts the
// full monitor in-process.
func newContractClient(t *testing.T) *contractClient {
	t.Helper()
	client := &http.Client{Timeout: defaultRequestTimeout}

	baseURL := os.Getenv("MONITOR_BASE_URL")
	if baseURL == "" {
		return &contractClient{
			baseURL: startLocalStack(t),
			client:  client,
		}
	}

	baseURL = strings.TrimRight(baseURL, "/")
	if !isReachable(client, baseURL+"/healthz") {
		t.Skipf("monitor not reachable at %s", baseURL)
	}
	return &contractClient{
		baseURL: baseURL,
		client:  client,
		remote:  true,
	}
}

// requireMutable skips tests that change server state unless they run
// in-process or MONITOR_MUTATE is set.
func (c *contractClient) requireMutable(t *testing.T) {
	t.Helper()
	if c.remote && os.Getenv("MONITOR_MUTATE") == "" {
		t.Skip("set MONITOR_MUTATE=1 to run state-changing checks against a remote monitor")
	}
}

func isReachable(client *http.Client, url string) bool {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func (c *contractClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func (c *contractClient) getResponse(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func (c *contractClient) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func readSSEEvent(url string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
				event := string(buf[:idx])
				return event, resp.Header, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
		select {
		case <-ctx.Done():
			return "", nil, fmt.Errorf("timeout waiting for sse event")
		default:
		}
	}
}

func parseSSEData(t *testing.T, event string) map[string]any {
	t.Helper()
	lines := strings.Split(event, "\n")
	for _, line := range lines {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return decodeJSONMap(t, []byte(payload))
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertDetectionPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	requireNumber(t, payload["version"], "version")
	frame := requireNumber(t, payload["frame_number"], "frame_number")
	drawn := requireNumber(t, payload["drawn_frame"], "drawn_frame")
	if frame > drawn {
		t.Fatalf("detections from frame %v drawn on older frame %v", frame, drawn)
	}
	requireNumber(t, payload["timestamp"], "timestamp")
	requireNumber(t, payload["threshold"], "threshold")
	requireMap(t, payload["counts"], "counts")
	assertDetections(t, requireSlice(t, payload["detections"], "detections"), "detections", requireNumber(t, payload["threshold"], "threshold"))
}

func assertDetections(t *testing.T, detections []any, field string, threshold float64) {
	t.Helper()
	for i, raw := range detections {
		det := requireMap(t, raw, fmt.Sprintf("%s[%d]", field, i))
		requireString(t, det["class_name"], field+".class_name")
		confidence := requireNumber(t, det["confidence"], field+".confidence")
		if confidence < threshold {
			t.Fatalf("%s[%d] confidence %v below threshold %v", field, i, confidence, threshold)
		}
		bbox := requireMap(t, det["bbox"], field+".bbox")
		requireNumber(t, bbox["x"], field+".bbox.x")
		requireNumber(t, bbox["y"], field+".bbox.y")
		requireNumber(t, bbox["w"], field+".bbox.w")
		requireNumber(t, bbox["h"], field+".bbox.h")
	}
}

func assertResultEntry(t *testing.T, payload map[string]any, field string) {
	t.Helper()
	requireNumber(t, payload["version"], field+".version")
	requireNumber(t, payload["detections_frame"], field+".detections_frame")
	requireNumber(t, payload["drawn_frame"], field+".drawn_frame")
	requireNumber(t, payload["raw_count"], field+".raw_count")
	requireMap(t, payload["counts"], field+".counts")
	requireSlice(t, payload["labels"], field+".labels")
	threshold := requireNumber(t, payload["threshold"], field+".threshold")
	assertDetections(t, requireSlice(t, payload["detections"], field+".detections"), field+".detections", threshold)
}

func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	loop := requireMap(t, payload["loop"], "loop")
	state := requireString(t, loop["state"], "loop.state")
	if state != "running" && state != "stopped" {
		t.Fatalf("unexpected loop.state %q", state)
	}
	percent := requireNumber(t, loop["threshold_percent"], "loop.threshold_percent")
	if percent < 10 || percent > 100 {
		t.Fatalf("loop.threshold_percent %v outside 10..100", percent)
	}
	requireNumber(t, loop["threshold"], "loop.threshold")
	requireMap(t, loop["counts"], "loop.counts")
	requireNumber(t, loop["iterations"], "loop.iterations")
	requireNumber(t, loop["frames_unavailable"], "loop.frames_unavailable")
	requireNumber(t, loop["inference_failures"], "loop.inference_failures")
	requireNumber(t, loop["stale_completions"], "loop.stale_completions")

	if loop["latest"] != nil {
		assertResultEntry(t, requireMap(t, loop["latest"], "loop.latest"), "loop.latest")
	}
	history := requireSlice(t, loop["history"], "loop.history")
	for i, raw := range history {
		field := fmt.Sprintf("loop.history[%d]", i)
		assertResultEntry(t, requireMap(t, raw, field), field)
	}

	surface := requireMap(t, payload["surface"], "surface")
	requireNumber(t, surface["width"], "surface.width")
	requireNumber(t, surface["height"], "surface.height")
	requireNumber(t, surface["version"], "surface.version")

	streams := requireMap(t, payload["streams"], "streams")
	requireNumber(t, streams["mjpeg_clients"], "streams.mjpeg_clients")
	requireNumber(t, streams["sse_clients"], "streams.sse_clients")
	requireNumber(t, streams["webrtc_clients"], "streams.webrtc_clients")

	requireNumber(t, payload["timestamp"], "timestamp")
}

// eventually polls fn until it reports true or timeout passes.
func eventually(t *testing.T, timeout time.Duration, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
