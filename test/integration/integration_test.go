// Package integration provides integration tests for hlsgate.
package integration

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/agleyzer/hlsgate/internal/target"
)

// TestMediaPlaylistRewrite verifies that relative segment references are made
// absolute against the upstream and that players can fetch them directly.
func TestMediaPlaylistRewrite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	harness.StartUpstream()
	harness.AddFile("show/ep1/index.m3u8", []byte(createTestPlaylist(5)))
	for i := 0; i < 5; i++ {
		harness.AddFile(fmt.Sprintf("show/ep1/segment%03d.ts", i), segmentPayload(i))
	}
	harness.StartGateway()

	t.Log("Phase 1: Fetching playlist through the gateway...")
	resp := harness.Proxy(target.Encode("show/ep1/index.m3u8"))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.StatusCode, resp.Body)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected CORS header '*', got %q", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "public, max-age=30" {
		t.Errorf("expected Cache-Control 'public, max-age=30', got %q", got)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/vnd.apple.mpegurl" {
		t.Errorf("expected HLS content type, got %q", got)
	}

	uris := SegmentURIs(resp.Body)
	if len(uris) != 5 {
		t.Fatalf("expected 5 segment URIs, got %d", len(uris))
	}

	base := harness.UpstreamURL() + "/show/ep1/"
	for i, uri := range uris {
		want := fmt.Sprintf("%ssegment%03d.ts", base, i)
		if uri != want {
			t.Errorf("segment %d: expected %s, got %s", i, want, uri)
		}
	}

	if !strings.Contains(resp.Body, "#EXT-X-TARGETDURATION:1") || !strings.Contains(resp.Body, "#EXT-X-ENDLIST") {
		t.Error("expected tag lines to be preserved")
	}
	t.Log("Phase 1: Rewritten playlist verified ✓")

	t.Log("Phase 2: Fetching a rewritten segment URL directly...")
	direct, err := http.Get(uris[2])
	if err != nil {
		t.Fatalf("failed to fetch segment directly: %v", err)
	}
	defer direct.Body.Close()

	body, _ := io.ReadAll(direct.Body)
	if !bytes.Equal(body, segmentPayload(2)) {
		t.Error("segment fetched from rewritten URL does not match upstream file")
	}
	t.Log("Phase 2: Segment reachable ✓")
}

// TestSegmentPassthrough verifies that non-playlist bodies are relayed unchanged.
func TestSegmentPassthrough(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	harness.StartUpstream()
	payload := segmentPayload(7)
	harness.AddFile("show/ep1/segment007.ts", payload)
	harness.StartGateway()

	resp := harness.Proxy(target.Encode("show/ep1/segment007.ts"))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if resp.Body != string(payload) {
		t.Error("passthrough body differs from upstream")
	}
	if got := resp.Header.Get("Content-Type"); got != "video/mp2t" {
		t.Errorf("expected Content-Type video/mp2t, got %q", got)
	}
}

// TestMasterPlaylist verifies that variant playlists can be reached through the
// trailing path form of a directory token.
func TestMasterPlaylist(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	harness.StartUpstream()
	harness.AddFile("show/master.m3u8", []byte(createTestMasterPlaylist()))
	harness.AddFile("show/low.m3u8", []byte(createTestMediaPlaylist("low", 3)))
	harness.AddFile("show/high.m3u8", []byte(createTestMediaPlaylist("high", 3)))
	harness.StartGateway()

	t.Log("Phase 1: Fetching master playlist...")
	master := harness.Proxy(target.Encode("show/master.m3u8"))
	if master.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", master.StatusCode)
	}

	variants := SegmentURIs(master.Body)
	if len(variants) != 2 || variants[0] != "low.m3u8" || variants[1] != "high.m3u8" {
		t.Fatalf("expected variant URIs to be left as is, got %v", variants)
	}
	t.Log("Phase 1: Master playlist verified ✓")

	t.Log("Phase 2: Fetching variants via directory token...")
	dirToken := target.Encode("show")
	for _, name := range []string{"low", "high"} {
		resp := harness.Proxy(dirToken + "/" + name + ".m3u8")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("variant %s: expected status 200, got %d", name, resp.StatusCode)
		}

		uris := SegmentURIs(resp.Body)
		if len(uris) != 3 {
			t.Fatalf("variant %s: expected 3 segments, got %d", name, len(uris))
		}
		want := fmt.Sprintf("%s/show/%s_seg000.ts", harness.UpstreamURL(), name)
		if uris[0] != want {
			t.Errorf("variant %s: expected %s, got %s", name, want, uris[0])
		}
	}
	t.Log("Phase 2: Variant playlists verified ✓")
}

// TestRejections verifies the request checks that never reach the upstream
// and the mirroring of upstream errors.
func TestRejections(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	harness.StartUpstream()
	harness.AddFile("show/index.m3u8", []byte(createTestPlaylist(1)))
	harness.AddFile("show/meta.json", []byte("{}"))
	harness.StartGateway()

	tests := []struct {
		name       string
		path       string
		header     map[string]string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "unknown caller",
			path:       "/proxy/" + target.Encode("show/index.m3u8"),
			header:     map[string]string{"Origin": "https://evil.example.com"},
			wantStatus: http.StatusForbidden,
			wantBody:   "Forbidden: Invalid Origin/Referer",
		},
		{
			name:       "no caller headers",
			path:       "/proxy/" + target.Encode("show/index.m3u8"),
			wantStatus: http.StatusForbidden,
			wantBody:   "Forbidden: Invalid Origin/Referer",
		},
		{
			name:       "referer prefix",
			path:       "/proxy/" + target.Encode("show/index.m3u8"),
			header:     map[string]string{"Referer": TestCaller + "/watch?v=1"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "non HLS extension",
			path:       "/proxy/" + target.Encode("show/meta.json"),
			header:     map[string]string{"Origin": TestCaller},
			wantStatus: http.StatusForbidden,
			wantBody:   "Forbidden: Only HLS resources allowed",
		},
		{
			name:       "invalid token",
			path:       "/proxy/!!!not-base64!!!",
			header:     map[string]string{"Origin": TestCaller},
			wantStatus: http.StatusBadRequest,
			wantBody:   "Bad Request: Invalid base64",
		},
		{
			name:       "missing upstream file",
			path:       "/proxy/" + target.Encode("show/missing.m3u8"),
			header:     map[string]string{"Origin": TestCaller},
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := harness.Get(tt.path, tt.header)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("expected status %d, got %d: %s", tt.wantStatus, resp.StatusCode, resp.Body)
			}
			if tt.wantBody != "" && strings.TrimSpace(resp.Body) != tt.wantBody {
				t.Errorf("expected body %q, got %q", tt.wantBody, resp.Body)
			}
		})
	}
}

// TestHealthAndMetrics verifies the operational endpoints.
func TestHealthAndMetrics(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	harness.StartUpstream()
	harness.AddFile("index.m3u8", []byte(createTestPlaylist(2)))
	harness.StartGateway()

	health := harness.Get("/health", nil)
	if health.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", health.StatusCode)
	}
	if !strings.Contains(health.Body, `"status":"ok"`) {
		t.Errorf("unexpected health body: %s", health.Body)
	}
	if !strings.Contains(health.Body, harness.UpstreamURL()) {
		t.Errorf("expected health to report upstream, got: %s", health.Body)
	}

	resp := harness.Proxy(target.Encode("index.m3u8"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	want := harness.UpstreamURL() + "/segment000.ts"
	if uris := SegmentURIs(resp.Body); len(uris) == 0 || uris[0] != want {
		t.Errorf("expected root level segment %s, got %v", want, uris)
	}

	metrics := harness.Get("/metrics", nil)
	if !strings.Contains(metrics.Body, `hlsgate_requests_total{outcome="ok"} 1`) {
		t.Error("expected one successful request in metrics")
	}
	if !strings.Contains(metrics.Body, "hlsgate_rewritten_lines_total 2") {
		t.Error("expected two rewritten lines in metrics")
	}
}

// createTestPlaylist creates a media playlist with relative segment references.
func createTestPlaylist(numSegments int) string {
	var sb strings.Builder

	sb.WriteString("#EXTM3U\n")
	sb.WriteString("#EXT-X-VERSION:3\n")
	sb.WriteString("#EXT-X-TARGETDURATION:1\n")
	sb.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")

	for i := 0; i < numSegments; i++ {
		sb.WriteString("#EXTINF:1.000,\n")
		fmt.Fprintf(&sb, "segment%03d.ts\n", i)
	}

	sb.WriteString("#EXT-X-ENDLIST\n")

	return sb.String()
}

// createTestMasterPlaylist creates a test HLS master playlist.
func createTestMasterPlaylist() string {
	var sb strings.Builder

	sb.WriteString("#EXTM3U\n")
	sb.WriteString("#EXT-X-VERSION:3\n")
	sb.WriteString("#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=640x360,CODECS=\"avc1.4d401e,mp4a.40.2\"\n")
	sb.WriteString("low.m3u8\n")
	sb.WriteString("#EXT-X-STREAM-INF:BANDWIDTH=2560000,RESOLUTION=1280x720,CODECS=\"avc1.4d401f,mp4a.40.2\"\n")
	sb.WriteString("high.m3u8\n")

	return sb.String()
}

// createTestMediaPlaylist creates a test HLS media playlist with a variant prefix.
func createTestMediaPlaylist(variant string, numSegments int) string {
	var sb strings.Builder

	sb.WriteString("#EXTM3U\n")
	sb.WriteString("#EXT-X-VERSION:3\n")
	sb.WriteString("#EXT-X-TARGETDURATION:1\n")
	sb.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")

	for i := 0; i < numSegments; i++ {
		sb.WriteString("#EXTINF:1.000,\n")
		fmt.Fprintf(&sb, "%s_seg%03d.ts\n", variant, i)
	}

	sb.WriteString("#EXT-X-ENDLIST\n")

	return sb.String()
}

// segmentPayload returns a fake transport stream of 188 byte packets.
func segmentPayload(n int) []byte {
	buf := make([]byte, 188*4)
	for i := range buf {
		if i%188 == 0 {
			buf[i] = 0x47
			continue
		}
		buf[i] = byte(n + i)
	}
	return buf
}
