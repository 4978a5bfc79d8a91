package store

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"mpdmirror/internal/protocol"
)

// DefaultFavoritesName is the reserved playlist treated as the favorites
// collection when no other name is configured.
const DefaultFavoritesName = "Favorites"

// subscriberBuffer bounds each subscriber channel. A full channel drops the
// notification; subscribers re-read snapshots anyway, so a dropped signal
// coalesces with the next one.
const subscriberBuffer = 8

// Executor runs one command against the server. The session supervisor
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, cmd protocol.Command) (*protocol.Response, error)
}

type subscriber struct {
	ch     chan Change
	scopes map[Scope]bool // nil means all scopes
}

type pendingItem struct {
	scope Scope
	force bool
}

// Store is the local mirror. Refreshes run on a single worker goroutine, so
// two refreshes for the same scope never overlap; readers take snapshots
// through the accessors at any time.
type Store struct {
	exec      Executor
	favorites string
	deb       *Debouncer

	mu         sync.RWMutex
	status     Status
	queue      Queue
	library    Library
	playlists  []Playlist
	favSongs   []Song
	favPresent bool
	loaded     map[Scope]bool

	pendMu  sync.Mutex
	pending map[Scope]bool
	kick    chan struct{}

	subMu  sync.Mutex
	subs   map[int]*subscriber
	nextID int

	refreshTimeout time.Duration
}

// New creates a store. favoritesName selects the reserved playlist (empty
// uses DefaultFavoritesName); window is the notification debounce window.
func New(exec Executor, favoritesName string, window time.Duration) *Store {
	if favoritesName == "" {
		favoritesName = DefaultFavoritesName
	}
	s := &Store{
		exec:           exec,
		favorites:      favoritesName,
		loaded:         make(map[Scope]bool),
		pending:        make(map[Scope]bool),
		kick:           make(chan struct{}, 1),
		subs:           make(map[int]*subscriber),
		refreshTimeout: 30 * time.Second,
	}
	s.deb = NewDebouncer(window, s.enqueue)
	return s
}

// FavoritesName returns the reserved favorites playlist name.
func (s *Store) FavoritesName() string {
	return s.favorites
}

// Run drains pending refreshes until ctx is cancelled. It blocks; callers
// run it in a goroutine.
func (s *Store) Run(ctx context.Context) {
	defer s.deb.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		}
		for {
			batch := s.takePending()
			if len(batch) == 0 {
				break
			}
			for _, item := range batch {
				if err := s.refresh(ctx, item.scope, item.force); err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Warn().Err(err).Str("scope", string(item.scope)).Msg("refresh failed")
				}
			}
		}
	}
}

// Notify feeds subsystem names from an idle notification into the refresh
// pipeline. Unknown subsystems are ignored.
func (s *Store) Notify(subsystems ...string) {
	for _, sub := range subsystems {
		if scopes := ScopesForSubsystem(sub); len(scopes) > 0 {
			s.deb.Trigger(scopes...)
		}
	}
}

// Invalidate queues forced refreshes for the given scopes (all scopes when
// none are named), bypassing the debounce window and version checks. Used
// after reconnects and after mutations the caller knows happened.
func (s *Store) Invalidate(scopes ...Scope) {
	if len(scopes) == 0 {
		scopes = AllScopes
	}
	s.pendMu.Lock()
	for _, sc := range scopes {
		s.pending[sc] = true
	}
	s.pendMu.Unlock()
	s.wake()
}

// Refresh synchronously refreshes one scope, honoring the version
// short-circuit.
func (s *Store) Refresh(ctx context.Context, scope Scope) error {
	return s.refresh(ctx, scope, false)
}

// ForceRefresh synchronously refreshes the scopes, bypassing the version
// short-circuit.
func (s *Store) ForceRefresh(ctx context.Context, scopes ...Scope) error {
	if len(scopes) == 0 {
		scopes = AllScopes
	}
	for _, sc := range scopes {
		if err := s.refresh(ctx, sc, true); err != nil {
			return err
		}
	}
	return nil
}

// enqueue is the debouncer's flush target.
func (s *Store) enqueue(scopes []Scope) {
	s.pendMu.Lock()
	for _, sc := range scopes {
		if _, dup := s.pending[sc]; !dup {
			s.pending[sc] = false
		}
	}
	s.pendMu.Unlock()
	s.wake()
}

func (s *Store) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Store) takePending() []pendingItem {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	out := make([]pendingItem, 0, len(s.pending))
	for _, sc := range AllScopes {
		if force, ok := s.pending[sc]; ok {
			out = append(out, pendingItem{scope: sc, force: force})
		}
	}
	s.pending = make(map[Scope]bool)
	return out
}

func (s *Store) refresh(parent context.Context, scope Scope, force bool) error {
	ctx, cancel := context.WithTimeout(parent, s.refreshTimeout)
	defer cancel()

	switch scope {
	case ScopeStatus:
		return s.refreshStatus(ctx)
	case ScopeQueue:
		return s.refreshQueue(ctx, force)
	case ScopeDatabase:
		return s.refreshDatabase(ctx, force)
	case ScopePlaylists:
		return s.refreshPlaylists(ctx)
	case ScopeFavorites:
		return s.refreshFavorites(ctx)
	default:
		return nil
	}
}

func (s *Store) refreshStatus(ctx context.Context) error {
	resp, err := s.exec.Execute(ctx, protocol.Cmd("status"))
	if err != nil {
		return err
	}
	st := parseStatus(resp.Attrs())

	s.mu.Lock()
	changed := !s.loaded[ScopeStatus] || st != s.status
	s.status = st
	s.loaded[ScopeStatus] = true
	s.mu.Unlock()

	if changed {
		s.notify(ScopeStatus)
	}
	return nil
}

func (s *Store) refreshQueue(ctx context.Context, force bool) error {
	resp, err := s.exec.Execute(ctx, protocol.Cmd("status"))
	if err != nil {
		return err
	}
	version := parseStatus(resp.Attrs()).QueueVersion

	s.mu.RLock()
	loaded := s.loaded[ScopeQueue]
	current := s.queue
	s.mu.RUnlock()

	if loaded && !force && version == current.Version {
		// Nothing moved; skip the refetch entirely.
		return nil
	}

	listResp, err := s.exec.Execute(ctx, protocol.Cmd("playlistinfo"))
	if err != nil {
		return err
	}
	q := Queue{Songs: songsFromPairs(listResp.Pairs), Version: version}

	s.mu.Lock()
	changed := !s.loaded[ScopeQueue] || q.Version != s.queue.Version ||
		!reflect.DeepEqual(q.Songs, s.queue.Songs)
	s.queue = q
	s.loaded[ScopeQueue] = true
	s.mu.Unlock()

	if changed {
		s.notify(ScopeQueue)
	}
	return nil
}

func (s *Store) refreshDatabase(ctx context.Context, force bool) error {
	statsResp, err := s.exec.Execute(ctx, protocol.Cmd("stats"))
	if err != nil {
		return err
	}
	stamp := parseInt64(statsResp.Attr("db_update"))

	s.mu.RLock()
	loaded := s.loaded[ScopeDatabase]
	currentStamp := s.library.UpdatedAt
	s.mu.RUnlock()

	if loaded && !force && stamp == currentStamp {
		return nil
	}

	resp, err := s.exec.Execute(ctx, protocol.Cmd("listallinfo"))
	if err != nil {
		return err
	}
	songs := songsFromPairs(resp.Pairs)
	albums := deriveAlbums(songs)
	lib := Library{
		Songs:     songs,
		Albums:    albums,
		Artists:   deriveArtists(albums),
		UpdatedAt: stamp,
	}

	s.mu.Lock()
	changed := !s.loaded[ScopeDatabase] || stamp != s.library.UpdatedAt ||
		!reflect.DeepEqual(lib.Songs, s.library.Songs)
	s.library = lib
	s.loaded[ScopeDatabase] = true
	s.mu.Unlock()

	if changed {
		s.notify(ScopeDatabase)
	}
	return nil
}

func (s *Store) refreshPlaylists(ctx context.Context) error {
	resp, err := s.exec.Execute(ctx, protocol.Cmd("listplaylists"))
	if err != nil {
		return err
	}

	var lists []Playlist
	for _, group := range protocol.Split(resp.Pairs, "playlist") {
		name := group[0].Value
		songs, err := s.fetchPlaylist(ctx, name)
		if err != nil {
			// Deleted between the listing and the fetch; skip it.
			var cmdErr *protocol.CommandError
			if errors.As(err, &cmdErr) && cmdErr.Code == protocol.CodeNoExist {
				continue
			}
			return err
		}
		lists = append(lists, Playlist{Name: name, Songs: songs})
	}
	sort.SliceStable(lists, func(i, j int) bool { return lists[i].Name < lists[j].Name })

	s.mu.Lock()
	changed := !s.loaded[ScopePlaylists] || !reflect.DeepEqual(lists, s.playlists)
	s.playlists = lists
	s.loaded[ScopePlaylists] = true
	s.mu.Unlock()

	if changed {
		s.notify(ScopePlaylists)
	}
	return nil
}

func (s *Store) refreshFavorites(ctx context.Context) error {
	songs, err := s.fetchPlaylist(ctx, s.favorites)
	present := true
	if err != nil {
		var cmdErr *protocol.CommandError
		if !errors.As(err, &cmdErr) || cmdErr.Code != protocol.CodeNoExist {
			return err
		}
		// No favorites playlist on the server yet.
		songs, present = nil, false
	}

	s.mu.Lock()
	changed := !s.loaded[ScopeFavorites] || present != s.favPresent ||
		!reflect.DeepEqual(songs, s.favSongs)
	s.favSongs = songs
	s.favPresent = present
	s.loaded[ScopeFavorites] = true
	s.mu.Unlock()

	if changed {
		s.notify(ScopeFavorites)
	}
	return nil
}

func (s *Store) fetchPlaylist(ctx context.Context, name string) ([]Song, error) {
	resp, err := s.exec.Execute(ctx, protocol.Cmd("listplaylistinfo", name))
	if err != nil {
		return nil, err
	}
	return songsFromPairs(resp.Pairs), nil
}

// Subscribe registers a change listener for the given scopes (all scopes
// when none are named). The returned cancel func unregisters it.
func (s *Store) Subscribe(scopes ...Scope) (<-chan Change, func()) {
	sub := &subscriber{ch: make(chan Change, subscriberBuffer)}
	if len(scopes) > 0 {
		sub.scopes = make(map[Scope]bool, len(scopes))
		for _, sc := range scopes {
			sub.scopes[sc] = true
		}
	}

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
		s.subMu.Unlock()
	}
	return sub.ch, cancel
}

func (s *Store) notify(scope Scope) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		if sub.scopes != nil && !sub.scopes[scope] {
			continue
		}
		select {
		case sub.ch <- Change{Scope: scope}:
		default:
			log.Debug().Str("scope", string(scope)).Msg("subscriber full, notification coalesced")
		}
	}
}

// Status returns the playback status snapshot; ok is false before the first
// successful refresh.
func (s *Store) Status() (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, s.loaded[ScopeStatus]
}

// Queue returns the queue snapshot. The songs slice is shared and must not
// be mutated.
func (s *Store) Queue() (Queue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue, s.loaded[ScopeQueue]
}

// Library returns the database snapshot.
func (s *Store) Library() (Library, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.library, s.loaded[ScopeDatabase]
}

// Playlists returns the stored playlists snapshot.
func (s *Store) Playlists() ([]Playlist, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playlists, s.loaded[ScopePlaylists]
}

// Favorites returns the reserved favorites playlist. present is false when
// the server has no such playlist (distinct from "not yet loaded", reported
// by ok).
func (s *Store) Favorites() (pl Playlist, present, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Playlist{Name: s.favorites, Songs: s.favSongs}, s.favPresent, s.loaded[ScopeFavorites]
}

// CurrentSong resolves the status's queue pointer against the queue
// snapshot, guarding the bounds invariant across the two scopes.
func (s *Store) CurrentSong() (Song, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.status.CurrentIndex
	if !s.loaded[ScopeStatus] || !s.loaded[ScopeQueue] || idx < 0 || idx >= len(s.queue.Songs) {
		return Song{}, false
	}
	return s.queue.Songs[idx], true
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
