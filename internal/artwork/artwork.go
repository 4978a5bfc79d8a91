// Package artwork fetches and caches cover images from the server. Images are
// transferred in binary chunks; completed entries are immutable and shared by
// reference. Lookups that miss are remembered for a while so repeated UI
// requests for artless albums do not hammer the server.
package artwork

import (
	"errors"
	"fmt"
)

// Strategy selects where the image comes from.
type Strategy string

const (
	// StrategyLibrary reads a cover file stored next to the music
	// (the albumart command).
	StrategyLibrary Strategy = "library"
	// StrategyMetadata reads the picture embedded in the song's tags
	// (the readpicture command).
	StrategyMetadata Strategy = "metadata"
)

// DefaultStrategies is the fallback order: a folder image is usually the
// better scan, embedded art is the fallback.
var DefaultStrategies = []Strategy{StrategyLibrary, StrategyMetadata}

// command returns the wire command for the strategy.
func (s Strategy) command() (string, error) {
	switch s {
	case StrategyLibrary:
		return "albumart", nil
	case StrategyMetadata:
		return "readpicture", nil
	default:
		return "", fmt.Errorf("unknown artwork strategy %q", s)
	}
}

// ErrNotFound reports that the server has no artwork for the request. It is
// an expected outcome, not a failure.
var ErrNotFound = errors.New("artwork: not found")

// ErrUnsupportedEncoding reports that the fetched bytes are not a recognized
// image format.
var ErrUnsupportedEncoding = errors.New("artwork: unsupported image encoding")

// Entry is one cached image. Immutable after construction; callers must not
// modify Data.
type Entry struct {
	Data []byte
	MIME string
	Size int
}

// Key identifies a cache slot. For the library strategy the identity is the
// content identity of the artwork (typically the song's directory, since all
// songs in a folder share its cover); for the metadata strategy it is the
// song URI itself.
type Key struct {
	Identity string
	Strategy Strategy
}

// DetectMIME sniffs the image format from magic bytes. Unknown formats
// report application/octet-stream.
func DetectMIME(data []byte) string {
	if len(data) < 4 {
		return "application/octet-stream"
	}
	switch {
	case data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "image/jpeg"
	case len(data) >= 8 &&
		data[0] == 0x89 && data[1] == 'P' && data[2] == 'N' && data[3] == 'G' &&
		data[4] == 0x0D && data[5] == 0x0A && data[6] == 0x1A && data[7] == 0x0A:
		return "image/png"
	case data[0] == 'G' && data[1] == 'I' && data[2] == 'F' && data[3] == '8':
		return "image/gif"
	case len(data) >= 12 &&
		data[0] == 'R' && data[1] == 'I' && data[2] == 'F' && data[3] == 'F' &&
		data[8] == 'W' && data[9] == 'E' && data[10] == 'B' && data[11] == 'P':
		return "image/webp"
	}
	return "application/octet-stream"
}
