package apicontract

import (
	"net/http"
	"testing"
	"time"
)

func TestContractRecordingLifecycle(t *testing.T) {
	client := newContractClient(t)
	client.requireMutable(t)

	resp, body := client.get(t, "/api/recording/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/recording/status status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	if payload["recording"] == nil {
		t.Fatalf("recording status missing 'recording'")
	}
	if payload["recording"] == true {
		t.Skip("a recording is already running")
	}

	resp, body = client.postJSON(t, "/api/recording/start", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /api/recording/start status = %d body=%s", resp.StatusCode, body)
	}
	startPayload := decodeJSONMap(t, body)
	if status := requireString(t, startPayload["status"], "status"); status != "recording" {
		t.Fatalf("start status = %q", status)
	}
	requireString(t, startPayload["file"], "file")
	requireNumber(t, startPayload["started_at"], "started_at")

	resp, _ = client.postJSON(t, "/api/recording/start", map[string]any{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start status = %d", resp.StatusCode)
	}

	eventually(t, 5*time.Second, "a recorded frame", func() bool {
		_, body := client.get(t, "/api/recording/status")
		status := decodeJSONMap(t, body)
		if status["recording"] != true {
			t.Fatalf("recording status expected true, got %v", status["recording"])
		}
		requireNumber(t, status["bytes_written"], "bytes_written")
		return requireNumber(t, status["frame_count"], "frame_count") > 0
	})

	resp, body = client.postJSON(t, "/api/recording/stop", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /api/recording/stop status = %d", resp.StatusCode)
	}
	stopPayload := decodeJSONMap(t, body)
	if status := requireString(t, stopPayload["status"], "status"); status != "stopped" {
		t.Fatalf("stop status = %q", status)
	}
	requireString(t, stopPayload["file"], "file")
	requireNumber(t, stopPayload["stopped_at"], "stopped_at")
	stats := requireMap(t, stopPayload["stats"], "stats")
	if requireNumber(t, stats["frame_count"], "stats.frame_count") < 1 {
		t.Fatalf("no frames recorded: %v", stats)
	}

	resp, _ = client.postJSON(t, "/api/recording/stop", map[string]any{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second stop status = %d", resp.StatusCode)
	}
}
