package apicontract

import (
	"bytes"
	"image/jpeg"
	"image/png"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestContractIndex(t *testing.T) {
	client := newContractClient(t)
	resp, body := client.get(t, "/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / status = %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("GET / content-type = %q", resp.Header.Get("Content-Type"))
	}
	html := string(body)
	mustContain := []string{
		"<title>Detection Monitor</title>",
		"/stream",
		"/api/status/stream",
		"/api/detections/stream",
		"/api/control/threshold",
	}
	for _, needle := range mustContain {
		if !strings.Contains(html, needle) {
			t.Fatalf("GET / missing %q", needle)
		}
	}
}

func TestContractHealth(t *testing.T) {
	client := newContractClient(t)
	resp, body := client.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	if requireString(t, payload["status"], "status") != "ok" {
		t.Fatalf("unexpected health payload: %v", payload)
	}
	requireString(t, payload["state"], "state")
}

func TestContractStatus(t *testing.T) {
	client := newContractClient(t)
	resp, body := client.get(t, "/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/status status = %d", resp.StatusCode)
	}
	assertStatusPayload(t, decodeJSONMap(t, body))
}

func TestContractCounts(t *testing.T) {
	client := newContractClient(t)
	resp, body := client.get(t, "/api/counts")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/counts status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	counts := requireMap(t, payload["counts"], "counts")
	total := requireNumber(t, payload["total"], "total")

	sum := 0.0
	for label, raw := range counts {
		n := requireNumber(t, raw, "counts."+label)
		if n < 1 {
			t.Fatalf("counts.%s = %v, labels are only listed once seen", label, n)
		}
		sum += n
	}
	if sum != total {
		t.Fatalf("total %v != sum of counts %v", total, sum)
	}
}

func TestContractSnapshot(t *testing.T) {
	client := newContractClient(t)

	var body []byte
	eventually(t, 5*time.Second, "first rendered frame", func() bool {
		var resp *http.Response
		resp, body = client.get(t, "/api/snapshot")
		return resp.StatusCode == http.StatusOK
	})
	img, err := jpeg.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("decode jpeg snapshot: %v", err)
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		t.Fatalf("empty snapshot %v", img.Bounds())
	}

	resp, body := client.get(t, "/api/snapshot?format=png&width=40")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET png snapshot status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("png snapshot content-type = %q", ct)
	}
	thumb, err := png.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("decode png snapshot: %v", err)
	}
	if thumb.Bounds().Dx() != min(40, img.Bounds().Dx()) {
		t.Fatalf("thumbnail width = %d", thumb.Bounds().Dx())
	}

	resp, _ = client.get(t, "/api/snapshot?format=bmp")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bmp snapshot status = %d", resp.StatusCode)
	}
}

func TestContractWebRTCOfferInvalid(t *testing.T) {
	client := newContractClient(t)
	resp, body := client.postJSON(t, "/api/webrtc/offer", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("POST /api/webrtc/offer status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	if !strings.Contains(requireString(t, payload["error"], "error"), "invalid offer") {
		t.Fatalf("unexpected error: %v", payload["error"])
	}
}

func TestContractMethodChecks(t *testing.T) {
	client := newContractClient(t)
	for _, path := range []string{"/api/control/start", "/api/control/threshold", "/api/counts/reset", "/api/recording/start"} {
		resp, _ := client.get(t, path)
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("GET %s status = %d", path, resp.StatusCode)
		}
	}
}
