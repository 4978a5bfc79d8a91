// Package engine assembles the connection supervisor, the state store and the
// artwork cache into one facade. Consumers read snapshots, watch change
// notifications and submit commands here without touching the wiring between
// the pieces.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"mpdmirror/internal/artwork"
	"mpdmirror/internal/config"
	"mpdmirror/internal/protocol"
	"mpdmirror/internal/session"
	"mpdmirror/internal/store"
)

// Executor runs one command against the server.
type Executor interface {
	Execute(ctx context.Context, cmd protocol.Command) (*protocol.Response, error)
	ExecuteBatch(ctx context.Context, cmds []protocol.Command) (*protocol.Response, error)
}

// Options configures an Engine. The zero value of any duration falls back to
// that component's default.
type Options struct {
	Addr     string
	Password string

	FavoritesName  string
	DebounceWindow time.Duration

	DialTimeout time.Duration
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	ReadyWait   time.Duration

	ArtworkStrategies  []artwork.Strategy
	ArtworkNegativeTTL time.Duration
}

// FromConfig maps a loaded config onto engine options.
func FromConfig(cfg *config.Config) Options {
	return Options{
		Addr:               cfg.Addr(),
		Password:           cfg.Server.Password,
		FavoritesName:      cfg.Favorites,
		DebounceWindow:     cfg.DebounceWindow(),
		DialTimeout:        cfg.DialTimeout(),
		BackoffMin:         cfg.BackoffMin(),
		BackoffMax:         cfg.BackoffMax(),
		ReadyWait:          cfg.ReadyWait(),
		ArtworkStrategies:  cfg.ArtworkStrategies(),
		ArtworkNegativeTTL: cfg.NegativeTTL(),
	}
}

// Engine is the consumer facade over one server connection.
type Engine struct {
	sup        *session.Supervisor
	store      *store.Store
	art        *artwork.Cache
	exec       Executor
	strategies []artwork.Strategy

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an engine. Nothing connects until Start.
func New(opts Options) *Engine {
	if len(opts.ArtworkStrategies) == 0 {
		opts.ArtworkStrategies = artwork.DefaultStrategies
	}

	e := &Engine{strategies: opts.ArtworkStrategies}
	e.sup = session.NewSupervisor(session.Config{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DialTimeout: opts.DialTimeout,
		BackoffMin:  opts.BackoffMin,
		BackoffMax:  opts.BackoffMax,
		ReadyWait:   opts.ReadyWait,
	},
		func(subsystems []string) { e.store.Notify(subsystems...) },
		// After every bring-up the mirror may be arbitrarily stale, so
		// everything is refetched unconditionally.
		func() { e.store.Invalidate() },
	)
	e.exec = e.sup
	e.store = store.New(e.sup, opts.FavoritesName, opts.DebounceWindow)
	e.art = artwork.NewCache(e.sup, opts.ArtworkNegativeTTL)
	return e
}

// Start launches the connection lifecycle and the refresh worker. It returns
// immediately; the engine connects and fills the mirror in the background.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.sup.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.store.Run(ctx)
	}()
	log.Info().Msg("engine started")
}

// Stop tears the engine down and waits for its goroutines.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	log.Info().Msg("engine stopped")
}

// Execute submits one command. Mutations are reflected in the mirror once the
// server's change notification comes back around.
func (e *Engine) Execute(ctx context.Context, cmd protocol.Command) (*protocol.Response, error) {
	return e.exec.Execute(ctx, cmd)
}

// ExecuteBatch submits a command list as one atomic round trip.
func (e *Engine) ExecuteBatch(ctx context.Context, cmds []protocol.Command) (*protocol.Response, error) {
	return e.exec.ExecuteBatch(ctx, cmds)
}

// Snapshot accessors; ok is false before the first refresh of that scope.

func (e *Engine) Status() (store.Status, bool) { return e.store.Status() }

func (e *Engine) Queue() (store.Queue, bool) { return e.store.Queue() }

func (e *Engine) Library() (store.Library, bool) { return e.store.Library() }

func (e *Engine) Playlists() ([]store.Playlist, bool) { return e.store.Playlists() }

func (e *Engine) CurrentSong() (store.Song, bool) { return e.store.CurrentSong() }

// Favorites returns the reserved favorites playlist.
func (e *Engine) Favorites() (store.Playlist, bool, bool) { return e.store.Favorites() }

// Watch subscribes to change notifications for the given scopes (all when
// none are named).
func (e *Engine) Watch(scopes ...store.Scope) (<-chan store.Change, func()) {
	return e.store.Subscribe(scopes...)
}

// ConnState reports the connection state.
func (e *Engine) ConnState() session.ConnState { return e.sup.State() }

// WatchConn subscribes to connection lifecycle transitions.
func (e *Engine) WatchConn() <-chan session.ConnState { return e.sup.WatchState() }

// ServerVersion reports the protocol version from the server banner.
func (e *Engine) ServerVersion() string { return e.sup.ServerVersion() }

// ForceReconnect drops the connection and redials immediately.
func (e *Engine) ForceReconnect() { e.sup.ForceReconnect() }

// Refresh synchronously refetches the given scopes (all when none are named),
// bypassing version checks.
func (e *Engine) Refresh(ctx context.Context, scopes ...store.Scope) error {
	return e.store.ForceRefresh(ctx, scopes...)
}

// Artwork fetches cover art for a song, walking the configured strategy
// order. The first strategy that yields an image wins; ErrNotFound reports
// that none did.
func (e *Engine) Artwork(ctx context.Context, song store.Song) (*artwork.Entry, error) {
	for _, strategy := range e.strategies {
		key := artwork.Key{Strategy: strategy}
		switch strategy {
		case artwork.StrategyLibrary:
			// Folder art is shared by every song in the directory.
			key.Identity = song.Directory()
		default:
			key.Identity = song.URI
		}

		entry, err := e.art.Get(ctx, key, song.URI)
		if err == nil {
			return entry, nil
		}
		if errors.Is(err, artwork.ErrNotFound) || errors.Is(err, artwork.ErrUnsupportedEncoding) {
			continue
		}
		return nil, err
	}
	return nil, artwork.ErrNotFound
}

// ClearArtwork drops the artwork cache, positive and negative entries both.
func (e *Engine) ClearArtwork() { e.art.Clear() }
