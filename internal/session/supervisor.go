package session

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"mpdmirror/internal/protocol"
)

// Config holds the supervisor's connection parameters.
type Config struct {
	Addr        string
	Password    string
	DialTimeout time.Duration

	// BackoffMin/BackoffMax bound the exponential retry delay after a fault.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// ReadyWait is how long Execute holds a call while the connection is
	// down before failing it with ErrNotReady. Zero fails immediately.
	ReadyWait time.Duration
}

func (c *Config) withDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// Supervisor owns the connection pair. It dials, authenticates, builds the
// command and idle sessions, and rebuilds everything with jittered
// exponential backoff when either session faults.
type Supervisor struct {
	cfg       Config
	onChanged func([]string)
	onUp      func()

	mu        sync.Mutex
	cmd       *CommandSession
	lifecycle ConnState
	busy      bool
	idling    bool
	version   string
	watchers  []chan ConnState

	forceCh chan struct{}
}

// NewSupervisor creates a supervisor. onChanged receives each idle
// notification's subsystem set; onUp fires after every successful bring-up
// (both may be nil).
func NewSupervisor(cfg Config, onChanged func([]string), onUp func()) *Supervisor {
	cfg.withDefaults()
	return &Supervisor{
		cfg:       cfg,
		onChanged: onChanged,
		onUp:      onUp,
		lifecycle: StateDisconnected,
		forceCh:   make(chan struct{}, 1),
	}
}

// State returns the current connection state. While connected, a command in
// flight reports StateBusy and a posted idle wait reports StateIdling.
func (s *Supervisor) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle == StateReady {
		if s.busy {
			return StateBusy
		}
		if s.idling {
			return StateIdling
		}
	}
	return s.lifecycle
}

// ServerVersion returns the version announced by the server banner, or ""
// before the first successful connection.
func (s *Supervisor) ServerVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// WatchState registers a watcher for lifecycle transitions (connecting,
// ready, faulted, disconnected). Busy/idling flickers are not delivered.
func (s *Supervisor) WatchState() <-chan ConnState {
	ch := make(chan ConnState, 8)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	ch <- s.lifecycle
	s.mu.Unlock()
	return ch
}

// ForceReconnect tears the current connections down (if any) and retries
// immediately, skipping any backoff in progress.
func (s *Supervisor) ForceReconnect() {
	select {
	case s.forceCh <- struct{}{}:
	default:
	}
}

// Execute forwards to the current command session. When the connection is
// down, the call is held up to ReadyWait for a reconnect before failing
// with ErrNotReady.
func (s *Supervisor) Execute(ctx context.Context, cmd protocol.Command) (*protocol.Response, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	return sess.Execute(ctx, cmd)
}

// ExecuteBatch forwards a command list to the current command session.
func (s *Supervisor) ExecuteBatch(ctx context.Context, cmds []protocol.Command) (*protocol.Response, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	return sess.ExecuteBatch(ctx, cmds)
}

func (s *Supervisor) session(ctx context.Context) (*CommandSession, error) {
	s.mu.Lock()
	sess := s.cmd
	s.mu.Unlock()
	if sess != nil {
		return sess, nil
	}
	if s.cfg.ReadyWait <= 0 {
		return nil, ErrNotReady
	}

	deadline := time.NewTimer(s.cfg.ReadyWait)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ErrCancelled
		case <-deadline.C:
			return nil, ErrNotReady
		case <-tick.C:
			s.mu.Lock()
			sess := s.cmd
			s.mu.Unlock()
			if sess != nil {
				return sess, nil
			}
		}
	}
}

// Run drives the connection lifecycle until ctx is cancelled. It blocks;
// callers run it in a goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			s.setLifecycle(StateDisconnected)
			return
		}

		s.setLifecycle(StateConnecting)
		cmdSess, idleSess, faultCh, err := s.bringUp(ctx)
		if err != nil {
			log.Warn().Err(err).Str("addr", s.cfg.Addr).Msg("connection attempt failed")
			s.setLifecycle(StateFaulted)
			if !s.waitBackoff(ctx, attempt) {
				s.setLifecycle(StateDisconnected)
				return
			}
			attempt++
			continue
		}
		attempt = 0

		s.mu.Lock()
		s.cmd = cmdSess
		s.busy = false
		s.idling = true
		s.mu.Unlock()
		s.setLifecycle(StateReady)
		log.Info().Str("addr", s.cfg.Addr).Str("server_version", s.ServerVersion()).Msg("connected")

		if s.onUp != nil {
			s.onUp()
		}

		// Pump idle notifications into the store until the session ends.
		pumpDone := make(chan struct{})
		go func() {
			defer close(pumpDone)
			for subs := range idleSess.Events() {
				if s.onChanged != nil {
					s.onChanged(subs)
				}
			}
		}()

		faulted := s.waitForFault(ctx, faultCh)
		s.teardown(cmdSess, idleSess)
		<-pumpDone

		if !faulted {
			s.setLifecycle(StateDisconnected)
			return
		}
		s.setLifecycle(StateFaulted)
		if !s.waitBackoff(ctx, 0) {
			s.setLifecycle(StateDisconnected)
			return
		}
	}
}

// waitForFault blocks until the connection pair must come down. It returns
// true when a retry should follow (fault or forced reconnect), false on
// context cancellation.
func (s *Supervisor) waitForFault(ctx context.Context, faultCh <-chan error) bool {
	select {
	case <-ctx.Done():
		return false
	case err := <-faultCh:
		log.Warn().Err(err).Msg("connection faulted, reconnecting")
		return true
	case <-s.forceCh:
		log.Info().Msg("forced reconnect")
		return true
	}
}

func (s *Supervisor) teardown(cmdSess *CommandSession, idleSess *IdleSession) {
	s.mu.Lock()
	s.cmd = nil
	s.idling = false
	s.mu.Unlock()
	idleSess.Close()
	cmdSess.Close()
}

// bringUp dials and authenticates both connections and starts the sessions.
func (s *Supervisor) bringUp(ctx context.Context) (*CommandSession, *IdleSession, chan error, error) {
	cmdConn, err := s.dial(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	idleConn, err := s.dial(ctx)
	if err != nil {
		cmdConn.Close()
		return nil, nil, nil, err
	}

	s.mu.Lock()
	s.version = cmdConn.Version()
	s.mu.Unlock()

	faultCh := make(chan error, 2)
	onFault := func(err error) {
		select {
		case faultCh <- err:
		default:
		}
	}
	cmdSess := NewCommandSession(cmdConn, onFault, s.setBusy)
	idleSess := NewIdleSession(idleConn, onFault)
	return cmdSess, idleSess, faultCh, nil
}

func (s *Supervisor) dial(ctx context.Context) (*protocol.Conn, error) {
	conn, err := protocol.Dial(ctx, s.cfg.Addr, s.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	if s.cfg.Password != "" {
		conn.SetDeadline(time.Now().Add(s.cfg.DialTimeout))
		if _, err := conn.Exchange(protocol.Cmd("password", s.cfg.Password)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("authenticate: %w", err)
		}
		conn.SetDeadline(time.Time{})
	}
	return conn, nil
}

// waitBackoff sleeps the jittered exponential delay for the given attempt.
// Returns false if ctx was cancelled, true otherwise. A forced reconnect
// request cuts the wait short.
func (s *Supervisor) waitBackoff(ctx context.Context, attempt int) bool {
	delay := s.cfg.BackoffMin << attempt
	if delay > s.cfg.BackoffMax || delay <= 0 {
		delay = s.cfg.BackoffMax
	}
	// Jitter within ±20% so herds of clients do not redial in lockstep.
	jitter := 0.8 + 0.4*rand.Float64()
	delay = time.Duration(float64(delay) * jitter)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.forceCh:
		return true
	case <-timer.C:
		return true
	}
}

func (s *Supervisor) setLifecycle(state ConnState) {
	s.mu.Lock()
	if s.lifecycle == state {
		s.mu.Unlock()
		return
	}
	s.lifecycle = state
	watchers := s.watchers
	s.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- state:
		default:
		}
	}
}

func (s *Supervisor) setBusy(busy bool) {
	s.mu.Lock()
	s.busy = busy
	s.mu.Unlock()
}
