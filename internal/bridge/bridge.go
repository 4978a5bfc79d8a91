// Package bridge exposes the mirror to consumers over a websocket endpoint.
// Connected clients get a full snapshot, then JSON change events as the
// mirror moves; they submit playback commands as JSON messages on the same
// connection.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"mpdmirror/internal/session"
	"mpdmirror/internal/store"
)

// Backend is the engine surface the bridge consumes.
type Backend interface {
	Status() (store.Status, bool)
	Queue() (store.Queue, bool)
	Playlists() ([]store.Playlist, bool)
	Favorites() (store.Playlist, bool, bool)
	CurrentSong() (store.Song, bool)
	ConnState() session.ConnState
	Watch(scopes ...store.Scope) (<-chan store.Change, func())

	Play(ctx context.Context, pos int) error
	Pause(ctx context.Context, pause bool) error
	StopPlayback(ctx context.Context) error
	Next(ctx context.Context) error
	Previous(ctx context.Context) error
	SeekSeconds(ctx context.Context, seconds float64) error
	SetVolume(ctx context.Context, volume int) error
	SetRandom(ctx context.Context, on bool) error
	SetRepeat(ctx context.Context, on bool) error
	SetSingle(ctx context.Context, on bool) error
	SetConsume(ctx context.Context, on bool) error
	ClearQueue(ctx context.Context) error
	AddToQueue(ctx context.Context, uri string) error
	DeleteFromQueue(ctx context.Context, pos int) error
	MoveInQueue(ctx context.Context, from, to int) error
	PlayPlaylist(ctx context.Context, name string) error
	SaveFavorite(ctx context.Context, uri string) error
	RemoveFavorite(ctx context.Context, uri string) error
	UpdateDatabase(ctx context.Context, path string) error
}

// Server serves the websocket endpoint.
type Server struct {
	backend Backend
	httpSrv *http.Server
}

// New creates a bridge server over a backend.
func New(backend Backend) *Server {
	return &Server{backend: backend}
}

// ListenAndServe serves the endpoint on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("bridge listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeHTTP upgrades the request and runs the client session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local consumers on arbitrary origins
	})
	if err != nil {
		log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	c := &client{backend: s.backend, conn: conn}
	c.run(r.Context())
}

type client struct {
	backend Backend
	conn    *websocket.Conn

	writeMu sync.Mutex
}

func (c *client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changes, unsubscribe := c.backend.Watch()
	defer unsubscribe()

	c.sendSnapshot(ctx)

	// Push change events while the read loop handles commands.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-changes:
				if !ok {
					return
				}
				c.sendChange(ctx, change.Scope)
			}
		}
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg commandMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(ctx, fmt.Sprintf("bad message: %v", err))
			continue
		}
		if err := c.dispatch(ctx, msg); err != nil {
			c.sendError(ctx, err.Error())
		}
	}
}

// commandMsg is one client command. Fields beyond Command apply only to the
// commands that use them.
type commandMsg struct {
	Command string   `json:"command"`
	Pos     *int     `json:"pos,omitempty"`
	From    *int     `json:"from,omitempty"`
	To      *int     `json:"to,omitempty"`
	URI     string   `json:"uri,omitempty"`
	Name    string   `json:"name,omitempty"`
	On      *bool    `json:"on,omitempty"`
	Value   *int     `json:"value,omitempty"`
	Seconds *float64 `json:"seconds,omitempty"`
}

func (c *client) dispatch(ctx context.Context, msg commandMsg) error {
	intArg := func(p *int) int {
		if p == nil {
			return -1
		}
		return *p
	}
	boolArg := func(p *bool) bool { return p != nil && *p }

	switch msg.Command {
	case "play":
		return c.backend.Play(ctx, intArg(msg.Pos))
	case "pause":
		return c.backend.Pause(ctx, boolArg(msg.On))
	case "stop":
		return c.backend.StopPlayback(ctx)
	case "next":
		return c.backend.Next(ctx)
	case "previous":
		return c.backend.Previous(ctx)
	case "seek":
		if msg.Seconds == nil {
			return errors.New("seek needs seconds")
		}
		return c.backend.SeekSeconds(ctx, *msg.Seconds)
	case "setvolume":
		if msg.Value == nil {
			return errors.New("setvolume needs value")
		}
		return c.backend.SetVolume(ctx, *msg.Value)
	case "random":
		return c.backend.SetRandom(ctx, boolArg(msg.On))
	case "repeat":
		return c.backend.SetRepeat(ctx, boolArg(msg.On))
	case "single":
		return c.backend.SetSingle(ctx, boolArg(msg.On))
	case "consume":
		return c.backend.SetConsume(ctx, boolArg(msg.On))
	case "clear":
		return c.backend.ClearQueue(ctx)
	case "add":
		return c.backend.AddToQueue(ctx, msg.URI)
	case "delete":
		if msg.Pos == nil {
			return errors.New("delete needs pos")
		}
		return c.backend.DeleteFromQueue(ctx, *msg.Pos)
	case "move":
		if msg.From == nil || msg.To == nil {
			return errors.New("move needs from and to")
		}
		return c.backend.MoveInQueue(ctx, *msg.From, *msg.To)
	case "playplaylist":
		return c.backend.PlayPlaylist(ctx, msg.Name)
	case "savefavorite":
		return c.backend.SaveFavorite(ctx, msg.URI)
	case "removefavorite":
		return c.backend.RemoveFavorite(ctx, msg.URI)
	case "update":
		return c.backend.UpdateDatabase(ctx, msg.Name)
	default:
		return fmt.Errorf("unknown command %q", msg.Command)
	}
}

func (c *client) send(ctx context.Context, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("marshal event")
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		log.Debug().Err(err).Msg("websocket write failed")
	}
}

func (c *client) sendError(ctx context.Context, msg string) {
	c.send(ctx, map[string]string{"event": "error", "error": msg})
}

func (c *client) sendSnapshot(ctx context.Context) {
	c.send(ctx, event{
		Event:     "snapshot",
		ConnState: c.backend.ConnState().String(),
		Status:    statusView(c.backend),
		Queue:     queueView(c.backend),
		Current:   currentView(c.backend),
		Playlists: playlistsView(c.backend),
		Favorites: favoritesView(c.backend),
	})
}

func (c *client) sendChange(ctx context.Context, scope store.Scope) {
	ev := event{Event: "change", Scope: string(scope), ConnState: c.backend.ConnState().String()}
	switch scope {
	case store.ScopeStatus:
		ev.Status = statusView(c.backend)
		ev.Current = currentView(c.backend)
	case store.ScopeQueue:
		ev.Queue = queueView(c.backend)
		ev.Current = currentView(c.backend)
	case store.ScopePlaylists:
		ev.Playlists = playlistsView(c.backend)
	case store.ScopeFavorites:
		ev.Favorites = favoritesView(c.backend)
	}
	c.send(ctx, ev)
}
