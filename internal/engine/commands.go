package engine

import (
	"context"
	"errors"
	"fmt"

	"mpdmirror/internal/protocol"
)

// ErrNoCurrentSong reports a command that needs a playing song when the
// queue pointer is empty.
var ErrNoCurrentSong = errors.New("no current song")

// ErrNotFavorite reports a removal for a song the favorites playlist does
// not contain.
var ErrNotFavorite = errors.New("song is not in the favorites playlist")

// run submits a command and discards the response body.
func (e *Engine) run(ctx context.Context, cmd protocol.Command) error {
	_, err := e.exec.Execute(ctx, cmd)
	return err
}

// Play starts playback at queue position pos, or resumes at the current
// position when pos is negative.
func (e *Engine) Play(ctx context.Context, pos int) error {
	if pos < 0 {
		return e.run(ctx, protocol.Cmd("play"))
	}
	return e.run(ctx, protocol.Cmd("play", pos))
}

// Pause pauses (true) or resumes (false) playback.
func (e *Engine) Pause(ctx context.Context, pause bool) error {
	return e.run(ctx, protocol.Cmd("pause", pause))
}

// StopPlayback stops playback. (Stop tears the engine itself down.)
func (e *Engine) StopPlayback(ctx context.Context) error {
	return e.run(ctx, protocol.Cmd("stop"))
}

// Next skips to the next queue entry.
func (e *Engine) Next(ctx context.Context) error {
	return e.run(ctx, protocol.Cmd("next"))
}

// Previous skips to the previous queue entry.
func (e *Engine) Previous(ctx context.Context) error {
	return e.run(ctx, protocol.Cmd("previous"))
}

// SeekSeconds seeks within the current song. The queue position is resolved
// from the mirrored status first, so the seek lands on the song the user
// sees.
func (e *Engine) SeekSeconds(ctx context.Context, seconds float64) error {
	st, ok := e.store.Status()
	if !ok || st.CurrentIndex < 0 {
		return ErrNoCurrentSong
	}
	return e.run(ctx, protocol.Cmd("seek", st.CurrentIndex, seconds))
}

// SetVolume sets the volume, clamped to 0..100.
func (e *Engine) SetVolume(ctx context.Context, volume int) error {
	if volume < 0 {
		volume = 0
	} else if volume > 100 {
		volume = 100
	}
	return e.run(ctx, protocol.Cmd("setvol", volume))
}

// SetRandom toggles shuffle mode.
func (e *Engine) SetRandom(ctx context.Context, on bool) error {
	return e.run(ctx, protocol.Cmd("random", on))
}

// SetRepeat toggles repeat mode.
func (e *Engine) SetRepeat(ctx context.Context, on bool) error {
	return e.run(ctx, protocol.Cmd("repeat", on))
}

// SetSingle toggles single-song mode.
func (e *Engine) SetSingle(ctx context.Context, on bool) error {
	return e.run(ctx, protocol.Cmd("single", on))
}

// SetConsume toggles consume mode.
func (e *Engine) SetConsume(ctx context.Context, on bool) error {
	return e.run(ctx, protocol.Cmd("consume", on))
}

// ClearQueue empties the queue.
func (e *Engine) ClearQueue(ctx context.Context) error {
	return e.run(ctx, protocol.Cmd("clear"))
}

// AddToQueue appends a URI (song or directory) to the queue.
func (e *Engine) AddToQueue(ctx context.Context, uri string) error {
	return e.run(ctx, protocol.Cmd("add", uri))
}

// DeleteFromQueue removes the song at a queue position.
func (e *Engine) DeleteFromQueue(ctx context.Context, pos int) error {
	return e.run(ctx, protocol.Cmd("delete", pos))
}

// MoveInQueue moves a song from one queue position to another.
func (e *Engine) MoveInQueue(ctx context.Context, from, to int) error {
	return e.run(ctx, protocol.Cmd("move", from, to))
}

// PlayPlaylist replaces the queue with a stored playlist and starts playing.
// The three steps run as one command list so a fault cannot leave the queue
// half-replaced.
func (e *Engine) PlayPlaylist(ctx context.Context, name string) error {
	_, err := e.exec.ExecuteBatch(ctx, []protocol.Command{
		protocol.Cmd("clear"),
		protocol.Cmd("load", name),
		protocol.Cmd("play"),
	})
	return err
}

// LoadPlaylist appends a stored playlist to the queue.
func (e *Engine) LoadPlaylist(ctx context.Context, name string) error {
	return e.run(ctx, protocol.Cmd("load", name))
}

// SavePlaylist stores the current queue under a name.
func (e *Engine) SavePlaylist(ctx context.Context, name string) error {
	return e.run(ctx, protocol.Cmd("save", name))
}

// DeletePlaylist removes a stored playlist.
func (e *Engine) DeletePlaylist(ctx context.Context, name string) error {
	return e.run(ctx, protocol.Cmd("rm", name))
}

// AddToPlaylist appends a song to a stored playlist.
func (e *Engine) AddToPlaylist(ctx context.Context, name, uri string) error {
	return e.run(ctx, protocol.Cmd("playlistadd", name, uri))
}

// SaveFavorite appends a song to the favorites playlist.
func (e *Engine) SaveFavorite(ctx context.Context, uri string) error {
	return e.run(ctx, protocol.Cmd("playlistadd", e.store.FavoritesName(), uri))
}

// RemoveFavorite removes a song from the favorites playlist. The position is
// resolved from the mirrored favorites snapshot, since the server's removal
// command is positional.
func (e *Engine) RemoveFavorite(ctx context.Context, uri string) error {
	fav, present, ok := e.store.Favorites()
	if !ok || !present {
		return fmt.Errorf("favorite %q: %w", uri, ErrNotFavorite)
	}
	for i, song := range fav.Songs {
		if song.URI == uri {
			return e.run(ctx, protocol.Cmd("playlistdelete", fav.Name, i))
		}
	}
	return fmt.Errorf("favorite %q: %w", uri, ErrNotFavorite)
}

// UpdateDatabase kicks a server-side rescan of the music directory (all of
// it when path is empty). The resulting update/database change notifications
// drive the mirror's refresh.
func (e *Engine) UpdateDatabase(ctx context.Context, path string) error {
	if path == "" {
		return e.run(ctx, protocol.Cmd("update"))
	}
	return e.run(ctx, protocol.Cmd("update", path))
}
