package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/hlsgate/internal/target"
)

func targetFor(t *testing.T, origin, path string) target.Target {
	t.Helper()

	tg, err := target.Resolve(origin, target.Encode(path), "")
	if err != nil {
		t.Fatalf("Failed to resolve target: %v", err)
	}
	return tg
}

func TestFetch_ForwardsUserAgent(t *testing.T) {
	var gotUA, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte("#EXTM3U\n"))
	}))
	defer server.Close()

	client := New(time.Second)
	resp, err := client.Fetch(context.Background(), targetFor(t, server.URL, "a/b/index.m3u8"), "TestPlayer/1.0")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer resp.Body.Close()

	if gotUA != "TestPlayer/1.0" {
		t.Errorf("Expected User-Agent TestPlayer/1.0, got %q", gotUA)
	}
	if gotPath != "/a/b/index.m3u8" {
		t.Errorf("Expected path /a/b/index.m3u8, got %q", gotPath)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if resp.ContentType != "application/vnd.apple.mpegurl" {
		t.Errorf("Expected playlist content type, got %q", resp.ContentType)
	}
}

func TestFetch_EmptyUserAgentNotReplaced(t *testing.T) {
	gotUA := "unset"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	resp, err := New(time.Second).Fetch(context.Background(), targetFor(t, server.URL, "x.ts"), "")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	resp.Body.Close()

	if gotUA != "" {
		t.Errorf("Expected no User-Agent, got %q", gotUA)
	}
}

func TestFetch_NonSuccessIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	resp, err := New(time.Second).Fetch(context.Background(), targetFor(t, server.URL, "missing.m3u8"), "ua")
	if err != nil {
		t.Fatalf("Expected no error for 404, got %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestFetch_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := New(100 * time.Millisecond)

	start := time.Now()
	_, err := client.Fetch(context.Background(), targetFor(t, server.URL, "slow.m3u8"), "ua")
	elapsed := time.Since(start)

	if !errors.Is(err, ErrFetch) {
		t.Fatalf("Expected ErrFetch, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Expected fetch to give up near the timeout, took %v", elapsed)
	}
}

func TestFetch_ConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	origin := "http://" + listener.Addr().String()
	listener.Close()

	_, err = New(time.Second).Fetch(context.Background(), targetFor(t, origin, "x.m3u8"), "ua")
	if !errors.Is(err, ErrFetch) {
		t.Errorf("Expected ErrFetch, got %v", err)
	}
}

func TestFetch_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(time.Second).Fetch(ctx, targetFor(t, server.URL, "x.m3u8"), "ua")
	if !errors.Is(err, ErrFetch) {
		t.Errorf("Expected ErrFetch, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected wrapped context.Canceled, got %v", err)
	}
}

func TestNew_DefaultTimeout(t *testing.T) {
	if got := New(0).Timeout(); got != DefaultTimeout {
		t.Errorf("Expected default timeout %v, got %v", DefaultTimeout, got)
	}
	if got := New(3 * time.Second).Timeout(); got != 3*time.Second {
		t.Errorf("Expected timeout 3s, got %v", got)
	}
}

func TestReadBody(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		contentLength int64
		limit         int64
		wantErr       bool
	}{
		{"within limit", "#EXTM3U\n", -1, 64, false},
		{"exactly at limit", "12345", 5, 5, false},
		{"over limit", "123456", -1, 5, true},
		{"announced over limit", "1", 6, 5, true},
		{"unbounded", strings.Repeat("x", 4096), 4096, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &Response{
				ContentLength: tt.contentLength,
				Body:          io.NopCloser(strings.NewReader(tt.body)),
			}

			got, err := resp.ReadBody(tt.limit)
			if tt.wantErr {
				if !errors.Is(err, ErrFetch) {
					t.Errorf("Expected ErrFetch, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if got != tt.body {
				t.Errorf("Expected body %q, got %q", tt.body, got)
			}
		})
	}
}
