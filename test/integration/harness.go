// Package integration provides integration testing utilities for hlsgate.
package integration

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestCaller is the origin the gateway is started with as an allowed caller.
const TestCaller = "https://player.example.com"

// TestHarness manages the test environment for integration tests.
type TestHarness struct {
	t           *testing.T
	httpServer  *http.Server
	httpPort    int
	gatewayCmd  *exec.Cmd
	gatewayPort int
	tempDir     string // Directory served by the upstream
	cancel      context.CancelFunc
}

// Response is a gateway response read in full.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       string
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:           t,
		httpPort:    findAvailablePort(t),
		gatewayPort: findAvailablePort(t),
	}
}

// UpstreamURL returns the origin of the upstream file server.
func (h *TestHarness) UpstreamURL() string {
	return fmt.Sprintf("http://localhost:%d", h.httpPort)
}

// StartUpstream starts an HTTP server acting as the upstream origin. Files
// ending in .m3u8 are served with the HLS content type.
func (h *TestHarness) StartUpstream() {
	h.t.Helper()

	h.tempDir = h.t.TempDir()

	fileServer := http.FileServer(http.Dir(h.tempDir))
	mux := http.NewServeMux()
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".m3u8"):
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		case strings.HasSuffix(r.URL.Path, ".ts"):
			w.Header().Set("Content-Type", "video/mp2t")
		}
		fileServer.ServeHTTP(w, r)
	}))

	h.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.httpPort),
		Handler: mux,
	}

	// Start server in goroutine
	go func() {
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.t.Logf("HTTP server error: %v", err)
		}
	}()

	h.waitForServer(h.UpstreamURL(), 5*time.Second)
	h.t.Logf("upstream started on port %d", h.httpPort)
}

// AddFile writes a file under the upstream root, creating directories as needed.
// Must be called after StartUpstream.
func (h *TestHarness) AddFile(name string, content []byte) {
	h.t.Helper()

	if h.tempDir == "" {
		h.t.Fatal("StartUpstream must be called before AddFile")
	}

	path := filepath.Join(h.tempDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		h.t.Fatalf("failed to create directory for %s: %v", name, err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		h.t.Fatalf("failed to write %s: %v", name, err)
	}
}

// StartGateway starts the hlsgate binary in front of the upstream. Extra
// arguments are appended to the command line.
func (h *TestHarness) StartGateway(extraArgs ...string) {
	h.t.Helper()

	binaryPath := h.findGatewayBinary()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	args := []string{
		"--upstream", h.UpstreamURL(),
		"--allow", TestCaller,
		"--listen", fmt.Sprintf("127.0.0.1:%d", h.gatewayPort),
		"--fetch-timeout", "2s",
	}
	args = append(args, extraArgs...)

	h.gatewayCmd = exec.CommandContext(ctx, binaryPath, args...)

	// Capture output for debugging
	h.gatewayCmd.Stdout = os.Stdout
	h.gatewayCmd.Stderr = os.Stderr

	if err := h.gatewayCmd.Start(); err != nil {
		h.t.Fatalf("failed to start hlsgate: %v", err)
	}

	h.waitForServer(h.GatewayURL()+"/health", 10*time.Second)
	h.t.Logf("hlsgate started on port %d", h.gatewayPort)
}

// GatewayURL returns the base URL of the running gateway.
func (h *TestHarness) GatewayURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", h.gatewayPort)
}

// Get issues a GET against the gateway with the given headers.
func (h *TestHarness) Get(path string, header map[string]string) Response {
	h.t.Helper()
	return h.do(http.MethodGet, path, header)
}

// Proxy fetches path through the gateway as the allowed caller.
func (h *TestHarness) Proxy(token string) Response {
	h.t.Helper()
	return h.Get("/proxy/"+token, map[string]string{"Origin": TestCaller})
}

func (h *TestHarness) do(method, path string, header map[string]string) Response {
	h.t.Helper()

	req, err := http.NewRequest(method, h.GatewayURL()+path, nil)
	if err != nil {
		h.t.Fatalf("failed to build request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("failed to read body: %v", err)
	}

	return Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       string(body),
	}
}

// Cleanup stops all running services.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	// Stop hlsgate
	if h.cancel != nil {
		h.cancel()
	}
	if h.gatewayCmd != nil && h.gatewayCmd.Process != nil {
		h.gatewayCmd.Process.Kill()
		h.gatewayCmd.Wait()
	}

	// Stop HTTP server
	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}
}

// findGatewayBinary locates the hlsgate binary.
func (h *TestHarness) findGatewayBinary() string {
	h.t.Helper()

	// Try several possible locations
	candidates := []string{
		"../../hlsgate",         // From test/integration
		"./hlsgate",             // From project root
		"../hlsgate",            // From test directory
		"./cmd/hlsgate/hlsgate", // Built in place
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			h.t.Logf("Found hlsgate binary at: %s", absPath)
			return absPath
		}
	}

	h.t.Skip("hlsgate binary not found. Run 'go build -o hlsgate ./cmd/hlsgate' first")
	return ""
}

// waitForServer waits for a server to become available.
func (h *TestHarness) waitForServer(url string, timeout time.Duration) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	h.t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// SegmentURIs returns the URI lines of a playlist in order.
func SegmentURIs(content string) []string {
	var uris []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		uris = append(uris, line)
	}
	return uris
}
