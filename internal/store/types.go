// Package store mirrors the server's state locally: playback status, the
// queue, the media database and stored playlists. Cached values are replaced
// by whole-value swap, never mutated in place, so snapshots handed to readers
// are always internally consistent.
package store

import (
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"mpdmirror/internal/protocol"
	"mpdmirror/internal/search"
)

// PlayState is the server's playback state.
type PlayState string

const (
	PlayStatePlaying PlayState = "play"
	PlayStatePaused  PlayState = "pause"
	PlayStateStopped PlayState = "stop"
)

// Song is one track as reported by the server. Immutable once built; the tag
// map keeps every raw pair so consumers can reach tags the struct does not
// surface.
type Song struct {
	URI         string
	Title       string
	Artist      string
	AlbumTitle  string
	AlbumArtist string
	Genre       string
	Duration    time.Duration
	Track       int
	Disc        int
	Tags        map[string]string
}

// Identity implements search.Media; the file URI is the stable key.
func (s Song) Identity() string { return s.URI }

// DisplayTitle falls back to the file name when the title tag is empty.
func (s Song) DisplayTitle() string {
	if s.Title != "" {
		return s.Title
	}
	if s.URI == "" {
		return ""
	}
	return path.Base(s.URI)
}

// Field implements search.Media.
func (s Song) Field(f search.Field) string {
	switch f {
	case search.FieldTitle:
		return s.DisplayTitle()
	case search.FieldArtist:
		return s.Artist
	case search.FieldAlbum:
		return s.AlbumTitle
	case search.FieldGenre:
		return s.Genre
	default:
		return ""
	}
}

// Directory returns the song's parent directory, the content identity used
// for folder-based artwork ("." for songs at the music root).
func (s Song) Directory() string {
	return path.Dir(s.URI)
}

// Album is a grouping the store derives from the database; the server never
// reports albums as entities. Keyed by the normalized directory path, so two
// discs ripped into one folder stay one album.
type Album struct {
	Key      string
	Title    string
	Artist   string
	Songs    []Song
	Duration time.Duration
}

func (a Album) Identity() string     { return a.Key }
func (a Album) DisplayTitle() string { return a.Title }

func (a Album) Field(f search.Field) string {
	switch f {
	case search.FieldTitle, search.FieldAlbum:
		return a.Title
	case search.FieldArtist:
		return a.Artist
	case search.FieldGenre:
		if len(a.Songs) > 0 {
			return a.Songs[0].Genre
		}
		return ""
	default:
		return ""
	}
}

// Artist is derived from the database like Album.
type Artist struct {
	Name       string
	AlbumCount int
	SongCount  int
}

func (a Artist) Identity() string     { return a.Name }
func (a Artist) DisplayTitle() string { return a.Name }

func (a Artist) Field(f search.Field) string {
	switch f {
	case search.FieldTitle, search.FieldArtist:
		return a.Name
	default:
		return ""
	}
}

// Playlist is a stored playlist: a name and its ordered songs.
type Playlist struct {
	Name  string
	Songs []Song
}

// Queue is the play queue. Positions are implicit: Songs[i] sits at position
// i, and the server-side contiguity invariant is preserved by construction.
// Version is the server's monotonically increasing queue version.
type Queue struct {
	Songs   []Song
	Version int64
}

// Library is the database snapshot with its derived groupings.
type Library struct {
	Songs   []Song
	Albums  []Album
	Artists []Artist

	// UpdatedAt is the server's last database update stamp, used to skip
	// reloads when nothing actually changed.
	UpdatedAt int64
}

// Status mirrors the server's status response. CurrentIndex is -1 when no
// song is selected ("no song queued"); a fresh zero Status also reports -1
// via the parse path, but readers should treat the zero value as "not yet
// loaded".
type Status struct {
	State        PlayState
	Elapsed      time.Duration
	Duration     time.Duration
	Volume       int
	Random       bool
	Repeat       bool
	Single       bool
	Consume      bool
	CurrentIndex int
	QueueVersion int64
}

// parseStatus builds a Status from a status response.
func parseStatus(attrs map[string]string) Status {
	st := Status{CurrentIndex: -1}

	switch attrs["state"] {
	case "play":
		st.State = PlayStatePlaying
	case "pause":
		st.State = PlayStatePaused
	default:
		st.State = PlayStateStopped
	}

	if v, err := strconv.Atoi(attrs["volume"]); err == nil {
		st.Volume = v
	}
	if v, err := strconv.ParseFloat(attrs["elapsed"], 64); err == nil {
		st.Elapsed = time.Duration(v * float64(time.Second))
	}
	if v, err := strconv.ParseFloat(attrs["duration"], 64); err == nil {
		st.Duration = time.Duration(v * float64(time.Second))
	}
	if v, err := strconv.Atoi(attrs["song"]); err == nil {
		st.CurrentIndex = v
	}
	if v, err := strconv.ParseInt(attrs["playlist"], 10, 64); err == nil {
		st.QueueVersion = v
	}
	st.Random = attrs["random"] == "1"
	st.Repeat = attrs["repeat"] == "1"
	st.Single = attrs["single"] == "1"
	st.Consume = attrs["consume"] == "1"
	return st
}

// songFromPairs builds a Song from one entity's pairs (starting with "file").
func songFromPairs(pairs []protocol.Pair) Song {
	s := Song{Tags: make(map[string]string, len(pairs))}
	for _, p := range pairs {
		s.Tags[p.Key] = p.Value
		switch p.Key {
		case "file":
			s.URI = p.Value
		case "Title":
			s.Title = p.Value
		case "Artist":
			s.Artist = p.Value
		case "Album":
			s.AlbumTitle = p.Value
		case "AlbumArtist":
			s.AlbumArtist = p.Value
		case "Genre":
			s.Genre = p.Value
		case "Track":
			s.Track = leadingInt(p.Value)
		case "Disc":
			s.Disc = leadingInt(p.Value)
		case "duration":
			if v, err := strconv.ParseFloat(p.Value, 64); err == nil {
				s.Duration = time.Duration(v * float64(time.Second))
			}
		case "Time":
			if s.Duration == 0 {
				if v, err := strconv.Atoi(p.Value); err == nil {
					s.Duration = time.Duration(v) * time.Second
				}
			}
		}
	}
	return s
}

// leadingInt parses "3" as well as "3/12" track-number forms.
func leadingInt(s string) int {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	v, _ := strconv.Atoi(s)
	return v
}

// songsFromPairs splits a multi-entity response into songs.
func songsFromPairs(pairs []protocol.Pair) []Song {
	groups := protocol.Split(pairs, "file")
	songs := make([]Song, 0, len(groups))
	for _, g := range groups {
		songs = append(songs, songFromPairs(g))
	}
	return songs
}

// deriveAlbums groups songs into albums by directory.
func deriveAlbums(songs []Song) []Album {
	byDir := make(map[string]*Album)
	var order []string
	for _, s := range songs {
		dir := s.Directory()
		a, ok := byDir[dir]
		if !ok {
			a = &Album{Key: dir, Title: s.AlbumTitle, Artist: albumArtist(s)}
			byDir[dir] = a
			order = append(order, dir)
		}
		if a.Title == "" {
			a.Title = s.AlbumTitle
		}
		a.Songs = append(a.Songs, s)
		a.Duration += s.Duration
	}

	albums := make([]Album, 0, len(order))
	for _, dir := range order {
		albums = append(albums, *byDir[dir])
	}
	sort.SliceStable(albums, func(i, j int) bool { return albums[i].Key < albums[j].Key })
	return albums
}

func albumArtist(s Song) string {
	if s.AlbumArtist != "" {
		return s.AlbumArtist
	}
	return s.Artist
}

// deriveArtists groups albums by their artist.
func deriveArtists(albums []Album) []Artist {
	byName := make(map[string]*Artist)
	var order []string
	for _, a := range albums {
		name := a.Artist
		if name == "" {
			continue
		}
		ar, ok := byName[name]
		if !ok {
			ar = &Artist{Name: name}
			byName[name] = ar
			order = append(order, name)
		}
		ar.AlbumCount++
		ar.SongCount += len(a.Songs)
	}

	artists := make([]Artist, 0, len(order))
	for _, name := range order {
		artists = append(artists, *byName[name])
	}
	sort.SliceStable(artists, func(i, j int) bool { return artists[i].Name < artists[j].Name })
	return artists
}
