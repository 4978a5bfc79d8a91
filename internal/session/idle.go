package session

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"mpdmirror/internal/protocol"
)

// idleQueueSize bounds undelivered change events. The consumer only marks
// scopes pending, so the channel drains far faster than the server produces.
const idleQueueSize = 16

// IdleSession runs the blocking change-notification loop on its own
// connection: issue "idle", deliver the changed subsystem names, re-issue.
// The connection is never used for anything else; interrupting the wait
// requires "noidle" and is only done during teardown.
type IdleSession struct {
	conn    *protocol.Conn
	events  chan []string
	quit    chan struct{}
	once    sync.Once
	closing atomic.Bool
	onFault func(error)
	wg      sync.WaitGroup
}

// NewIdleSession starts the loop. Each event on Events is the non-empty set
// of subsystems the server reported for one wake-up.
func NewIdleSession(conn *protocol.Conn, onFault func(error)) *IdleSession {
	s := &IdleSession{
		conn:    conn,
		events:  make(chan []string, idleQueueSize),
		quit:    make(chan struct{}),
		onFault: onFault,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Events returns the change stream. It is closed when the session ends.
func (s *IdleSession) Events() <-chan []string {
	return s.events
}

// Close interrupts the pending wait and tears the connection down.
func (s *IdleSession) Close() {
	s.once.Do(func() {
		s.closing.Store(true)
		// Best effort: let the server resolve the pending idle cleanly
		// before the socket goes away.
		s.conn.Send(protocol.Cmd("noidle"))
		s.conn.Close()
		close(s.quit)
	})
	s.wg.Wait()
}

func (s *IdleSession) run() {
	defer s.wg.Done()
	defer close(s.events)
	for {
		resp, err := s.conn.Exchange(protocol.Cmd("idle"))
		if err != nil {
			if s.closing.Load() {
				return
			}
			log.Warn().Err(err).Msg("idle session faulted")
			if s.onFault != nil {
				s.onFault(err)
			}
			return
		}

		var changed []string
		for _, p := range resp.Pairs {
			if p.Key == "changed" {
				changed = append(changed, p.Value)
			}
		}
		if len(changed) == 0 {
			// A noidle-interrupted wait resolves empty; just wait again.
			continue
		}

		log.Debug().Strs("subsystems", changed).Msg("idle notification")
		select {
		case s.events <- changed:
		case <-s.quit:
			return
		}
	}
}
