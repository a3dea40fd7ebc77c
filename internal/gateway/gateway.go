// Package gateway implements the playlist proxy: it resolves the upstream
// target named by a request, checks it against the resource and caller
// policies, fetches it, and rewrites HLS playlists so their segments load
// straight from the upstream.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agleyzer/hlsgate/internal/metrics"
	"github.com/agleyzer/hlsgate/internal/playlist"
	"github.com/agleyzer/hlsgate/internal/target"
	"github.com/agleyzer/hlsgate/internal/upstream"
)

// HeaderRequestID carries the request correlation ID set by the server.
const HeaderRequestID = "X-Request-ID"

const (
	// DefaultMaxPlaylistBytes bounds how much of a playlist body is buffered for rewriting.
	DefaultMaxPlaylistBytes = 8 << 20

	// DefaultMaxSegmentBytes bounds how much of any other body is buffered before relaying.
	DefaultMaxSegmentBytes = 64 << 20

	cacheControl    = "public, max-age=30"
	defaultMIMEType = "text/plain"
)

// Fixed response bodies.
const (
	msgNoPath          = "Bad Request: No encoded path"
	msgInvalidBase64   = "Bad Request: Invalid base64"
	msgForbiddenType   = "Forbidden: Only HLS resources allowed"
	msgForbiddenCaller = "Forbidden: Invalid Origin/Referer"
	msgFetchFailed     = "Proxy fetch failed"
)

// Fetcher retrieves a target from the upstream.
type Fetcher interface {
	Fetch(ctx context.Context, t target.Target, userAgent string) (*upstream.Response, error)
}

// Options configure a Gateway.
type Options struct {
	// UpstreamOrigin is the scheme and host every target is fetched from
	UpstreamOrigin string

	// AllowedCallers are the origins and referer prefixes accepted from browsers
	AllowedCallers []string

	// MaxPlaylistBytes bounds playlist bodies; zero selects DefaultMaxPlaylistBytes
	MaxPlaylistBytes int64

	// MaxSegmentBytes bounds non-playlist bodies; zero selects DefaultMaxSegmentBytes
	MaxSegmentBytes int64
}

// Gateway handles proxy requests. It holds no mutable state and serves
// concurrent requests independently.
type Gateway struct {
	origin           string
	callers          CallerPolicy
	fetcher          Fetcher
	maxPlaylistBytes int64
	maxSegmentBytes  int64
	logger           *slog.Logger
	metrics          *metrics.Metrics
}

// New creates a Gateway.
func New(opts Options, fetcher Fetcher, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	maxPlaylist := opts.MaxPlaylistBytes
	if maxPlaylist <= 0 {
		maxPlaylist = DefaultMaxPlaylistBytes
	}
	maxSegment := opts.MaxSegmentBytes
	if maxSegment <= 0 {
		maxSegment = DefaultMaxSegmentBytes
	}

	return &Gateway{
		origin:           opts.UpstreamOrigin,
		callers:          NewCallerPolicy(opts.AllowedCallers),
		fetcher:          fetcher,
		maxPlaylistBytes: maxPlaylist,
		maxSegmentBytes:  maxSegment,
		logger:           logger,
		metrics:          m,
	}
}

// Routes returns the proxy routes, to be mounted under /proxy.
func (g *Gateway) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", g.Proxy)
	r.Get("/{token}", g.Proxy)
	r.Get("/{token}/*", g.Proxy)
	r.Options("/", Preflight)
	r.Options("/{token}", Preflight)
	r.Options("/{token}/*", Preflight)
	return r
}

// Preflight answers CORS preflight requests. It performs no validation.
func Preflight(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "User-Agent")
	w.WriteHeader(http.StatusOK)
}

// Proxy serves GET /proxy/{token}/{trailing...}.
func (g *Gateway) Proxy(w http.ResponseWriter, r *http.Request) {
	logger := g.logger.With("request_id", r.Header.Get(HeaderRequestID))

	token, trailing := pathParams(r)

	tgt, err := target.Resolve(g.origin, token, trailing)
	if err != nil {
		g.metrics.Request(metrics.OutcomeBadRequest)
		logger.Debug("rejected path token", "token", token, "error", err)
		if errors.Is(err, target.ErrInvalidEncoding) {
			http.Error(w, msgInvalidBase64, http.StatusBadRequest)
			return
		}
		http.Error(w, msgNoPath, http.StatusBadRequest)
		return
	}

	if !tgt.Allowed() {
		g.metrics.Request(metrics.OutcomeForbiddenExtension)
		logger.Debug("rejected resource type", "path", tgt.Path)
		http.Error(w, msgForbiddenType, http.StatusForbidden)
		return
	}

	origin, referer := r.Header.Get("Origin"), r.Header.Get("Referer")
	if !g.callers.Allow(origin, referer) {
		g.metrics.Request(metrics.OutcomeForbiddenCaller)
		logger.Warn("blocked request",
			"origin", origin,
			"referer", referer,
			"path", tgt.Path,
			"remote", r.RemoteAddr,
		)
		http.Error(w, msgForbiddenCaller, http.StatusForbidden)
		return
	}

	start := time.Now()
	resp, err := g.fetcher.Fetch(r.Context(), tgt, r.Header.Get("User-Agent"))
	if err != nil {
		g.fail(w, logger, tgt, start, err)
		return
	}
	defer resp.Body.Close()

	if playlist.IsPlaylistContentType(resp.ContentType) {
		g.servePlaylist(w, logger, tgt, resp, start)
		return
	}

	g.servePassthrough(w, logger, tgt, resp, start)
}

// servePlaylist buffers the full playlist, rewrites it and writes it out.
// Nothing is written if the body cannot be read completely.
func (g *Gateway) servePlaylist(w http.ResponseWriter, logger *slog.Logger, tgt target.Target, resp *upstream.Response, start time.Time) {
	body, err := resp.ReadBody(g.maxPlaylistBytes)
	if err != nil {
		g.fail(w, logger, tgt, start, err)
		return
	}

	result := playlist.Rewrite(body, tgt.Base())
	kind := g.inspect(logger, tgt, result)

	g.metrics.Upstream(metrics.FetchPlaylist, resp.StatusCode, time.Since(start))
	g.metrics.Rewritten(string(kind), result.Rewritten)
	g.metrics.Request(metrics.OutcomeOK)

	writeHeaders(w, resp)
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Body)))
	w.WriteHeader(resp.StatusCode)
	if _, err := io.WriteString(w, result.Body); err != nil {
		logger.Debug("client went away", "url", tgt.URL(), "error", err)
	}
}

// servePassthrough relays a non-playlist body unchanged. Nothing is written
// until the body has been read completely.
func (g *Gateway) servePassthrough(w http.ResponseWriter, logger *slog.Logger, tgt target.Target, resp *upstream.Response, start time.Time) {
	body, err := resp.ReadBody(g.maxSegmentBytes)
	if err != nil {
		g.fail(w, logger, tgt, start, err)
		return
	}

	g.metrics.Upstream(metrics.FetchPassthrough, resp.StatusCode, time.Since(start))
	g.metrics.Request(metrics.OutcomeOK)

	writeHeaders(w, resp)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(resp.StatusCode)
	if _, err := io.WriteString(w, body); err != nil {
		logger.Debug("client went away", "url", tgt.URL(), "error", err)
	}
}

// fail reports an upstream failure to the client with a generic body.
func (g *Gateway) fail(w http.ResponseWriter, logger *slog.Logger, tgt target.Target, start time.Time, err error) {
	g.metrics.Upstream(metrics.FetchError, 0, time.Since(start))
	g.metrics.Request(metrics.OutcomeUpstreamError)
	logger.Error("proxy error",
		"url", tgt.URL(),
		"elapsed", time.Since(start),
		"error", err,
	)
	http.Error(w, msgFetchFailed, http.StatusInternalServerError)
}

// inspect logs what the rewritten playlist contains and returns its kind.
// Master playlists with relative variant URIs are logged because those
// sub-playlists are resolved by the player against the gateway, not the upstream.
func (g *Gateway) inspect(logger *slog.Logger, tgt target.Target, result playlist.Result) playlist.Kind {
	summary, err := playlist.Inspect(result.Body)
	if err != nil {
		logger.Debug("playlist not decodable", "url", tgt.URL(), "error", err)
		return summary.Kind
	}

	switch summary.Kind {
	case playlist.KindMaster:
		logger.Debug("rewrote master playlist",
			"url", tgt.URL(),
			"variants", len(summary.Variants),
			"rewritten", result.Rewritten,
		)
		if n := summary.RelativeVariants(); n > 0 {
			logger.Info("master playlist has relative sub-playlists that are not rewritten",
				"url", tgt.URL(),
				"relative_variants", n,
			)
		}
	case playlist.KindMedia:
		logger.Debug("rewrote media playlist",
			"url", tgt.URL(),
			"segments", len(summary.Segments),
			"rewritten", result.Rewritten,
			"relative_segments", summary.RelativeSegments(),
			"target_duration", summary.TargetDuration,
			"closed", summary.Closed,
		)
	}

	return summary.Kind
}

// writeHeaders sets the response headers common to every upstream response.
func writeHeaders(w http.ResponseWriter, resp *upstream.Response) {
	contentType := resp.ContentType
	if contentType == "" {
		contentType = defaultMIMEType
	}

	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Access-Control-Allow-Origin", "*")
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		h.Set("Cache-Control", cacheControl)
	}
}

// pathParams extracts the path token and the trailing path from the route.
// Parameters taken from an escaped path (a token carrying %2F, say) are unescaped.
func pathParams(r *http.Request) (token, trailing string) {
	token = chi.URLParam(r, "token")
	trailing = chi.URLParam(r, "*")

	if r.URL.RawPath == "" {
		return token, trailing
	}
	if t, err := url.PathUnescape(token); err == nil {
		token = t
	}
	if t, err := url.PathUnescape(trailing); err == nil {
		trailing = t
	}
	return token, trailing
}
