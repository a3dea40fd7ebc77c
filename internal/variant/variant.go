// Package variant defines data structures for HLS variant streams in master playlists.
package variant

import "github.com/agleyzer/hlsgate/internal/segment"

// Variant represents a single variant stream in an HLS master playlist.
// Each variant typically represents a different quality level (bitrate/resolution).
type Variant struct {
	// Bandwidth is the peak segment bitrate in bits per second
	Bandwidth int

	// Resolution is the video resolution (e.g., "1920x1080", "1280x720")
	// Empty string if not specified in master playlist
	Resolution string

	// Codecs is the codec string (e.g., "avc1.4d401f,mp4a.40.2")
	// Empty string if not specified in master playlist
	Codecs string

	// URI is the media playlist reference as written in the master playlist
	URI string
}

// Relative reports whether the variant points at a sub-playlist by relative
// path. Such references are resolved by the player against the gateway URL,
// not the upstream.
func (v Variant) Relative() bool {
	return !segment.IsAbsoluteURL(v.URI)
}
