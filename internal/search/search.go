// Package search provides pure, allocation-light filtering and ordering over
// media snapshots. Nothing here performs I/O or touches shared state: inputs
// are taken as values and outputs are fresh slices (except for the empty
// query, which returns its input untouched).
package search

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Field names a searchable attribute of a media item.
type Field string

const (
	FieldTitle  Field = "title"
	FieldArtist Field = "artist"
	FieldAlbum  Field = "album"
	FieldGenre  Field = "genre"
)

// Direction orders sort output.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// Media is the closed set of searchable items: songs, albums and artists all
// implement it. Identity must be stable and unique within a snapshot.
type Media interface {
	Identity() string
	DisplayTitle() string
	Field(Field) string
}

// Fold lowercases a string and strips diacritics, so "Béla" matches "bela".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

// Filter returns the items whose given fields contain the query, compared
// case- and diacritic-insensitively. An empty query returns the input slice
// unchanged rather than an empty result.
func Filter[M Media](items []M, query string, fields []Field) []M {
	if query == "" {
		return items
	}
	needle := Fold(query)
	out := make([]M, 0, len(items))
	for _, item := range items {
		for _, f := range fields {
			if strings.Contains(Fold(item.Field(f)), needle) {
				out = append(out, item)
				break
			}
		}
	}
	return out
}

// SortBy returns a stably sorted copy. The primary key is the given field,
// the secondary key is the display title and the tertiary key the identity,
// so the resulting order is fully deterministic; descending inverts the
// complete comparison, yielding the exact reverse for unique keys.
func SortBy[M Media](items []M, key Field, dir Direction) []M {
	out := make([]M, len(items))
	copy(out, items)

	sort.SliceStable(out, func(i, j int) bool {
		c := compareMedia(out[i], out[j], key)
		if dir == Descending {
			return c > 0
		}
		return c < 0
	})
	return out
}

func compareMedia(a, b Media, key Field) int {
	if c := strings.Compare(Fold(a.Field(key)), Fold(b.Field(key))); c != 0 {
		return c
	}
	if c := strings.Compare(Fold(a.DisplayTitle()), Fold(b.DisplayTitle())); c != 0 {
		return c
	}
	return strings.Compare(a.Identity(), b.Identity())
}
