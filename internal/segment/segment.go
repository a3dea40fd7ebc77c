// Package segment defines data structures for media segments listed in an HLS media playlist.
package segment

import "strings"

// Segment is one media segment as it appears in an upstream media playlist.
type Segment struct {
	// URI is the segment reference exactly as written in the playlist
	URI string

	// Duration is the #EXTINF duration in seconds
	Duration float64

	// Sequence is the position in the playlist, starting at the media sequence number
	Sequence uint64
}

// Relative reports whether the segment URI has no scheme and host, meaning a
// player resolves it against the location the playlist was loaded from.
func (s Segment) Relative() bool {
	return !IsAbsoluteURL(s.URI)
}

// IsAbsoluteURL reports whether ref starts with a scheme followed by "://" and
// a non-empty authority. Only the shape is checked, so references with
// malformed escapes are still classified.
func IsAbsoluteURL(ref string) bool {
	scheme, rest, ok := strings.Cut(ref, "://")
	if !ok || scheme == "" || rest == "" || rest[0] == '/' {
		return false
	}

	for i, c := range scheme {
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case i > 0 && ('0' <= c && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}
