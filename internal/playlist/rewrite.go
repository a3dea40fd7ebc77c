// Package playlist rewrites and inspects HLS playlist bodies fetched from the upstream.
//
// Rewriting is a plain line scanner and does not depend on the body being a
// well-formed playlist. Inspection uses a real M3U8 decoder and is only used
// for logging and metrics.
package playlist

import (
	"mime"
	"strings"

	"github.com/agleyzer/hlsgate/internal/segment"
)

// segmentSuffixes are the file extensions of media segment references that
// get anchored to the upstream directory.
var segmentSuffixes = []string{".ts", ".m4s", ".vtt"}

// playlistMediaTypes are the MIME types upstream hosts use for HLS playlists.
var playlistMediaTypes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
}

// Result is the output of Rewrite.
type Result struct {
	// Body is the rewritten playlist text
	Body string

	// Rewritten is the number of segment lines that were made absolute
	Rewritten int
}

// IsPlaylistContentType reports whether a Content-Type header value names an
// HLS playlist. Parameters such as charset are ignored.
func IsPlaylistContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, _, _ = strings.Cut(contentType, ";")
	}
	return playlistMediaTypes[strings.ToLower(strings.TrimSpace(mediaType))]
}

// Rewrite makes relative segment references in body absolute by prefixing
// them with base and a slash. Tag and comment lines, blank lines, lines that
// are already absolute URLs and lines that do not end in a segment extension
// are returned unchanged. Line endings are preserved.
//
// For an absolute base, Rewrite is idempotent.
func Rewrite(body, base string) Result {
	lines := strings.Split(body, "\n")
	rewritten := 0

	for i, line := range lines {
		text := strings.TrimSuffix(line, "\r")
		if !isSegmentRef(text) {
			continue
		}

		lines[i] = base + "/" + strings.TrimSpace(text) + line[len(text):]
		rewritten++
	}

	return Result{
		Body:      strings.Join(lines, "\n"),
		Rewritten: rewritten,
	}
}

// isSegmentRef classifies a single line without its line terminator.
func isSegmentRef(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return false
	}

	// Must end with the extension itself, trailing blanks included.
	matched := false
	for _, suffix := range segmentSuffixes {
		if strings.HasSuffix(line, suffix) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	return !segment.IsAbsoluteURL(trimmed)
}
