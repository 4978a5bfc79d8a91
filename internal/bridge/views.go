package bridge

import (
	"mpdmirror/internal/store"
)

// event is the wire envelope for everything the bridge pushes. Only the
// payloads relevant to the event's scope are populated.
type event struct {
	Event     string         `json:"event"`
	Scope     string         `json:"scope,omitempty"`
	ConnState string         `json:"conn_state"`
	Status    *StatusView    `json:"status,omitempty"`
	Queue     *QueueView     `json:"queue,omitempty"`
	Current   *SongView      `json:"current,omitempty"`
	Playlists []PlaylistView `json:"playlists,omitempty"`
	Favorites *PlaylistView  `json:"favorites,omitempty"`
}

// StatusView is the playback status as serialized to consumers. Times are
// milliseconds.
type StatusView struct {
	State        string `json:"state"`
	ElapsedMs    int64  `json:"elapsed_ms"`
	DurationMs   int64  `json:"duration_ms"`
	Volume       int    `json:"volume"`
	Random       bool   `json:"random"`
	Repeat       bool   `json:"repeat"`
	Single       bool   `json:"single"`
	Consume      bool   `json:"consume"`
	Song         int    `json:"song"`
	QueueVersion int64  `json:"queue_version"`
}

// SongView is one song as serialized to consumers.
type SongView struct {
	URI        string `json:"uri"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	DurationMs int64  `json:"duration_ms"`
}

// QueueView is the queue with its version.
type QueueView struct {
	Songs   []SongView `json:"songs"`
	Version int64      `json:"version"`
}

// PlaylistView is a stored playlist.
type PlaylistView struct {
	Name  string     `json:"name"`
	Songs []SongView `json:"songs"`
}

func songView(s store.Song) SongView {
	return SongView{
		URI:        s.URI,
		Title:      s.DisplayTitle(),
		Artist:     s.Artist,
		Album:      s.AlbumTitle,
		DurationMs: s.Duration.Milliseconds(),
	}
}

func songViews(songs []store.Song) []SongView {
	out := make([]SongView, len(songs))
	for i, s := range songs {
		out[i] = songView(s)
	}
	return out
}

func statusView(b Backend) *StatusView {
	st, ok := b.Status()
	if !ok {
		return nil
	}
	return &StatusView{
		State:        string(st.State),
		ElapsedMs:    st.Elapsed.Milliseconds(),
		DurationMs:   st.Duration.Milliseconds(),
		Volume:       st.Volume,
		Random:       st.Random,
		Repeat:       st.Repeat,
		Single:       st.Single,
		Consume:      st.Consume,
		Song:         st.CurrentIndex,
		QueueVersion: st.QueueVersion,
	}
}

func queueView(b Backend) *QueueView {
	q, ok := b.Queue()
	if !ok {
		return nil
	}
	return &QueueView{Songs: songViews(q.Songs), Version: q.Version}
}

func currentView(b Backend) *SongView {
	song, ok := b.CurrentSong()
	if !ok {
		return nil
	}
	v := songView(song)
	return &v
}

func playlistsView(b Backend) []PlaylistView {
	lists, ok := b.Playlists()
	if !ok {
		return nil
	}
	out := make([]PlaylistView, len(lists))
	for i, pl := range lists {
		out[i] = PlaylistView{Name: pl.Name, Songs: songViews(pl.Songs)}
	}
	return out
}

func favoritesView(b Backend) *PlaylistView {
	fav, present, ok := b.Favorites()
	if !ok || !present {
		return nil
	}
	return &PlaylistView{Name: fav.Name, Songs: songViews(fav.Songs)}
}
