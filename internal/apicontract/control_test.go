package apicontract

import (
	"net/http"
	"testing"
	"time"
)

func TestContractThresholdRoundTrip(t *testing.T) {
	client := newContractClient(t)
	client.requireMutable(t)

	resp, body := client.get(t, "/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/status status = %d", resp.StatusCode)
	}
	loop := requireMap(t, decodeJSONMap(t, body)["loop"], "loop")
	original := requireNumber(t, loop["threshold_percent"], "loop.threshold_percent")
	t.Cleanup(func() {
		client.postJSON(t, "/api/control/threshold", map[string]any{"percent": int(original)})
	})

	cases := []struct {
		percent int
		want    float64
	}{
		{35, 35},
		{5, 10},
		{250, 100},
	}
	for _, tc := range cases {
		resp, body = client.postJSON(t, "/api/control/threshold", map[string]any{"percent": tc.percent})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("POST threshold %d status = %d", tc.percent, resp.StatusCode)
		}
		payload := decodeJSONMap(t, body)
		if got := requireNumber(t, payload["threshold_percent"], "threshold_percent"); got != tc.want {
			t.Fatalf("threshold %d applied as %v, want %v", tc.percent, got, tc.want)
		}
		if got := requireNumber(t, payload["threshold"], "threshold"); got != tc.want/100 {
			t.Fatalf("threshold %d applied as %v", tc.percent, got)
		}
	}

	resp, _ = client.postJSON(t, "/api/control/threshold", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("POST threshold without percent status = %d", resp.StatusCode)
	}
}

func TestContractStopStartAndReset(t *testing.T) {
	client := newContractClient(t)
	client.requireMutable(t)

	state := func(resp *http.Response, body []byte) string {
		t.Helper()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("control status = %d body=%s", resp.StatusCode, body)
		}
		return requireString(t, decodeJSONMap(t, body)["state"], "state")
	}

	if got := state(client.postJSON(t, "/api/control/stop", nil)); got != "stopped" {
		t.Fatalf("after stop state = %q", got)
	}
	if got := state(client.postJSON(t, "/api/control/stop", nil)); got != "stopped" {
		t.Fatalf("second stop state = %q", got)
	}
	if got := state(client.postJSON(t, "/api/control/start", nil)); got != "running" {
		t.Fatalf("after start state = %q", got)
	}

	eventually(t, 5*time.Second, "a counted detection", func() bool {
		_, body := client.get(t, "/api/counts")
		return requireNumber(t, decodeJSONMap(t, body)["total"], "total") > 0
	})

	state(client.postJSON(t, "/api/control/stop", nil))
	state(client.postJSON(t, "/api/counts/reset", nil))
	_, body := client.get(t, "/api/counts")
	if total := requireNumber(t, decodeJSONMap(t, body)["total"], "total"); total != 0 {
		t.Fatalf("total after reset while stopped = %v", total)
	}

	if got := state(client.postJSON(t, "/api/control/restart", nil)); got != "running" {
		t.Fatalf("after restart state = %q", got)
	}
}
