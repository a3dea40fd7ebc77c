// The hlsgate command proxies HLS playlists and segments from a single upstream
// origin, rewriting relative segment references so players fetch them directly.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agleyzer/hlsgate/internal/config"
	"github.com/agleyzer/hlsgate/internal/gateway"
	"github.com/agleyzer/hlsgate/internal/metrics"
	"github.com/agleyzer/hlsgate/internal/server"
	"github.com/agleyzer/hlsgate/internal/target"
	"github.com/agleyzer/hlsgate/internal/upstream"
)

const (
	version = "1.0.0"
)

var errShowVersion = errors.New("version requested")

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "encode", "decode":
			if err := runCodec(os.Args[1], os.Args[2:], os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	cfg, verbose, err := parseConfig(os.Args[1:], os.Stderr)
	if errors.Is(err, errShowVersion) {
		fmt.Printf("hlsgate v%s\n", version)
		os.Exit(0)
	}
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		os.Exit(1)
	}

	// Setup logger
	logLevel := cfg.Level()
	if verbose {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("hlsgate starting", "version", version)

	if err := run(cfg, logger); err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}

	logger.Info("hlsgate stopped")
}

// parseConfig builds the configuration from an optional YAML file and the
// command line. Flags override file values only when given explicitly.
func parseConfig(args []string, stderr io.Writer) (*config.Config, bool, error) {
	fs := flag.NewFlagSet("hlsgate", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath   = fs.String("config", "", "Path to YAML configuration file")
		upstreamURL  = fs.String("upstream", "", "Upstream origin, e.g. https://cdn.example.com")
		allow        = fs.String("allow", "", "Comma-separated list of allowed caller origins")
		fetchTimeout = fs.Duration("fetch-timeout", time.Duration(config.DefaultFetchTimeoutMS)*time.Millisecond, "Upstream fetch timeout")
		listen       = fs.String("listen", config.DefaultListenAddr, "HTTP listen address")
		rateLimit    = fs.Int("rate-limit", 0, "Proxy requests per client IP per rate window, one minute unless configured (0 disables)")
		logLevel     = fs.String("log-level", config.DefaultLogLevel, "Log level: debug, info, warn, error")
		verbose      = fs.Bool("verbose", false, "Enable verbose logging")
		showVersion  = fs.Bool("version", false, "Show version and exit")
	)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "hlsgate - HLS playlist gateway v%s\n\n", version)
		fmt.Fprintf(stderr, "Usage:\n")
		fmt.Fprintf(stderr, "  hlsgate [options]\n")
		fmt.Fprintf(stderr, "  hlsgate encode <path>\n")
		fmt.Fprintf(stderr, "  hlsgate decode <token>\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  hlsgate --upstream https://cdn.example.com --allow https://player.example.com\n")
		fmt.Fprintf(stderr, "  hlsgate --config hlsgate.yaml --listen :8080\n")
		fmt.Fprintf(stderr, "  hlsgate encode show/ep1/index.m3u8\n")
	}

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	if *showVersion {
		return nil, false, errShowVersion
	}

	if fs.NArg() > 0 {
		return nil, false, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	cfg := &config.Config{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, false, err
		}
		cfg = loaded
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["upstream"] {
		cfg.UpstreamOrigin = *upstreamURL
	}
	if set["allow"] {
		cfg.AllowedCallers = splitList(*allow)
	}
	if set["fetch-timeout"] || cfg.FetchTimeoutMS == 0 {
		cfg.FetchTimeoutMS = int(fetchTimeout.Milliseconds())
	}
	if set["listen"] || cfg.ListenAddr == "" {
		cfg.ListenAddr = *listen
	}
	if set["rate-limit"] {
		cfg.RateLimit.Requests = *rateLimit
	}
	if set["log-level"] || cfg.LogLevel == "" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, *verbose, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// runCodec implements the encode and decode helper subcommands.
func runCodec(cmd string, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("%s takes exactly one argument", cmd)
	}

	switch cmd {
	case "encode":
		fmt.Fprintln(stdout, target.Encode(args[0]))
		return nil
	case "decode":
		path, err := target.Decode(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, path)
		return nil
	}

	return fmt.Errorf("unknown command %q", cmd)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	client := upstream.New(cfg.FetchTimeout())
	m := metrics.New()

	gw := gateway.New(gateway.Options{
		UpstreamOrigin:   cfg.UpstreamOrigin,
		AllowedCallers:   cfg.AllowedCallers,
		MaxPlaylistBytes: cfg.MaxPlaylistBytes,
		MaxSegmentBytes:  cfg.MaxSegmentBytes,
	}, client, logger, m)

	srv := server.New(gw, m, server.Options{
		ListenAddr:     cfg.ListenAddr,
		UpstreamOrigin: cfg.UpstreamOrigin,
		Version:        version,
		RateLimit:      cfg.RateLimit.Requests,
		RateWindow:     cfg.RateLimit.Window,
	}, logger)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("gateway configured",
		"upstream", cfg.UpstreamOrigin,
		"allowed_callers", len(cfg.AllowedCallers),
		"fetch_timeout", client.Timeout(),
		"max_playlist_bytes", cfg.MaxPlaylistBytes,
		"max_segment_bytes", cfg.MaxSegmentBytes,
		"rate_limit", cfg.RateLimit.Requests,
	)

	go func() {
		select {
		case <-srv.Ready():
			logger.Info("HLS gateway ready",
				"proxy", fmt.Sprintf("http://%s/proxy/<token>", srv.Addr()),
				"health", fmt.Sprintf("http://%s/health", srv.Addr()),
				"metrics", fmt.Sprintf("http://%s/metrics", srv.Addr()),
			)
		case <-ctx.Done():
		}
	}()

	// Start server (blocks until shutdown)
	return srv.Start(ctx)
}
