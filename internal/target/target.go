// Package target turns the opaque path token of a proxy request into the
// upstream URL the gateway fetches.
package target

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyToken is returned when a request carries no path token or the
	// token decodes to an empty path.
	ErrEmptyToken = errors.New("no encoded path")

	// ErrInvalidEncoding is returned when the path token is not valid base64.
	ErrInvalidEncoding = errors.New("invalid base64")
)

// allowedExtensions are the resource types the gateway is willing to fetch.
var allowedExtensions = []string{".m3u8", ".ts"}

// Target is a resolved upstream resource.
type Target struct {
	// Origin is the upstream scheme and host, without a trailing slash
	Origin string

	// Path is the decoded path joined with any trailing segments, without a leading slash
	Path string
}

// URL returns the absolute upstream URL for the target.
func (t Target) URL() string {
	return t.Origin + "/" + t.Path
}

// Base returns the absolute upstream directory the target lives in, without
// a trailing slash. Relative references in a playlist served from the target
// are anchored here.
func (t Target) Base() string {
	dir, _, found := cutLast(t.Path, "/")
	if !found || dir == "" {
		return t.Origin
	}
	return t.Origin + "/" + dir
}

// Allowed reports whether the target names a playlist or transport stream
// segment. Only the path is checked; a query string or fragment carried in
// the decoded token is ignored.
func (t Target) Allowed() bool {
	p := t.Path
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	for _, ext := range allowedExtensions {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}

// Resolve decodes token and joins it with the trailing path segments of the
// request to form the upstream target under origin.
func Resolve(origin, token, trailing string) (Target, error) {
	decoded, err := Decode(token)
	if err != nil {
		return Target{}, err
	}

	path := strings.TrimPrefix(decoded, "/")
	if trailing = strings.Trim(trailing, "/"); trailing != "" {
		path = strings.TrimSuffix(path, "/") + "/" + trailing
	}
	if path == "" {
		return Target{}, ErrEmptyToken
	}

	return Target{
		Origin: strings.TrimSuffix(origin, "/"),
		Path:   path,
	}, nil
}

// Decode decodes a standard base64 path token the way browsers' atob does:
// ASCII whitespace is ignored and padding is optional, but when present it
// must complete the last four character group.
func Decode(token string) (string, error) {
	token = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\f', '\r':
			return -1
		}
		return r
	}, token)

	if token == "" {
		return "", ErrEmptyToken
	}

	if len(token)%4 == 0 {
		token = strings.TrimSuffix(token, "=")
		token = strings.TrimSuffix(token, "=")
	}

	data, err := base64.RawStdEncoding.Strict().DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if len(data) == 0 {
		return "", ErrEmptyToken
	}

	return string(data), nil
}

// Encode returns the standard padded base64 token for an upstream path.
func Encode(path string) string {
	return base64.StdEncoding.EncodeToString([]byte(path))
}

// cutLast slices s around the last instance of sep.
func cutLast(s, sep string) (before, after string, found bool) {
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}
