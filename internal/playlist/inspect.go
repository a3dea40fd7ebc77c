package playlist

import (
	"fmt"
	"strings"

	"github.com/agleyzer/hlsgate/internal/segment"
	"github.com/agleyzer/hlsgate/internal/variant"
	"github.com/grafov/m3u8"
)

// Kind is the type of an HLS playlist.
type Kind string

const (
	KindUnknown Kind = "unknown"
	KindMaster  Kind = "master"
	KindMedia   Kind = "media"
)

// Summary describes a decoded playlist.
// Supports both master playlists (with multiple variants) and media playlists (single variant).
type Summary struct {
	// Kind is the detected playlist type
	Kind Kind

	// Variants contains the variant streams (only populated for master playlists)
	Variants []variant.Variant

	// Segments contains the media segments (only populated for media playlists)
	Segments []segment.Segment

	// TargetDuration is the EXT-X-TARGETDURATION value in seconds (media playlists only)
	TargetDuration float64

	// Closed is true when a media playlist carries EXT-X-ENDLIST
	Closed bool
}

// RelativeVariants returns the number of variants that reference their media
// playlist by a relative path.
func (s Summary) RelativeVariants() int {
	n := 0
	for _, v := range s.Variants {
		if v.Relative() {
			n++
		}
	}
	return n
}

// RelativeSegments returns the number of segments that are still relative.
func (s Summary) RelativeSegments() int {
	n := 0
	for _, seg := range s.Segments {
		if seg.Relative() {
			n++
		}
	}
	return n
}

// Inspect decodes body as an M3U8 playlist and summarizes it.
// Decoding is lenient; a body that is not a playlist at all returns an error
// and a Summary of KindUnknown.
func Inspect(body string) (Summary, error) {
	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(body), false)
	if err != nil {
		return Summary{Kind: KindUnknown}, fmt.Errorf("failed to parse playlist: %w", err)
	}

	switch listType {
	case m3u8.MASTER:
		master, ok := playlist.(*m3u8.MasterPlaylist)
		if !ok {
			return Summary{Kind: KindUnknown}, fmt.Errorf("unexpected playlist type")
		}
		return inspectMaster(master), nil

	case m3u8.MEDIA:
		media, ok := playlist.(*m3u8.MediaPlaylist)
		if !ok {
			return Summary{Kind: KindUnknown}, fmt.Errorf("unexpected playlist type")
		}
		return inspectMedia(media), nil
	}

	return Summary{Kind: KindUnknown}, fmt.Errorf("unknown playlist type %d", listType)
}

// inspectMaster extracts variant information from a master playlist.
func inspectMaster(master *m3u8.MasterPlaylist) Summary {
	var variants []variant.Variant
	for _, v := range master.Variants {
		if v == nil {
			continue
		}

		variants = append(variants, variant.Variant{
			Bandwidth:  int(v.Bandwidth),
			Resolution: v.Resolution,
			Codecs:     v.Codecs,
			URI:        v.URI,
		})
	}

	return Summary{
		Kind:     KindMaster,
		Variants: variants,
	}
}

// inspectMedia extracts segments from a media playlist.
func inspectMedia(media *m3u8.MediaPlaylist) Summary {
	var segments []segment.Segment
	for i, seg := range media.Segments {
		if seg == nil {
			break
		}

		segments = append(segments, segment.Segment{
			URI:      seg.URI,
			Duration: seg.Duration,
			Sequence: media.SeqNo + uint64(i),
		})
	}

	return Summary{
		Kind:           KindMedia,
		Segments:       segments,
		TargetDuration: media.TargetDuration,
		Closed:         media.Closed,
	}
}
