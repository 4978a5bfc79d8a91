// Package session owns the two protocol connections: a command session that
// serializes request/response traffic, an idle session that waits for change
// notifications, and a supervisor that rebuilds both after a fault.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"mpdmirror/internal/protocol"
)

// callQueueSize bounds the number of commands waiting on the worker.
const callQueueSize = 64

type callResult struct {
	resp *protocol.Response
	err  error
}

type call struct {
	ctx   context.Context
	cmd   protocol.Command
	batch []protocol.Command
	done  chan callResult
}

// CommandSession executes commands on its dedicated connection, one at a
// time in submission order. It owns the connection: Close tears it down and
// fails everything still queued.
type CommandSession struct {
	conn    *protocol.Conn
	calls   chan *call
	quit    chan struct{}
	once    sync.Once
	faulted atomic.Bool
	closing atomic.Bool
	onFault func(error)
	onBusy  func(bool)
	wg      sync.WaitGroup
}

// NewCommandSession starts the worker. onFault is invoked once when the
// connection dies under a command; onBusy brackets each execution (both may
// be nil).
func NewCommandSession(conn *protocol.Conn, onFault func(error), onBusy func(bool)) *CommandSession {
	s := &CommandSession{
		conn:    conn,
		calls:   make(chan *call, callQueueSize),
		quit:    make(chan struct{}),
		onFault: onFault,
		onBusy:  onBusy,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Execute runs one command and returns its response. Fails with ErrNotReady
// if the session has faulted or closed, ErrCancelled if ctx expires first.
func (s *CommandSession) Execute(ctx context.Context, cmd protocol.Command) (*protocol.Response, error) {
	return s.submit(ctx, &call{ctx: ctx, cmd: cmd, done: make(chan callResult, 1)})
}

// ExecuteBatch runs the commands as one atomic command list. On a server
// rejection the returned CommandError carries the index of the first failing
// command and none of the later commands were executed.
func (s *CommandSession) ExecuteBatch(ctx context.Context, cmds []protocol.Command) (*protocol.Response, error) {
	if len(cmds) == 0 {
		return &protocol.Response{}, nil
	}
	return s.submit(ctx, &call{ctx: ctx, batch: cmds, done: make(chan callResult, 1)})
}

func (s *CommandSession) submit(ctx context.Context, c *call) (*protocol.Response, error) {
	if s.faulted.Load() {
		return nil, ErrNotReady
	}
	select {
	case <-s.quit:
		return nil, ErrNotReady
	default:
	}

	select {
	case s.calls <- c:
	case <-s.quit:
		return nil, ErrNotReady
	case <-ctx.Done():
		return nil, ErrCancelled
	}

	select {
	case r := <-c.done:
		return r.resp, r.err
	case <-ctx.Done():
		// The worker may still execute the call; the result is discarded.
		return nil, ErrCancelled
	}
}

// Close tears down the connection and fails all pending calls with
// ErrCancelled. Safe to call more than once.
func (s *CommandSession) Close() {
	s.once.Do(func() {
		s.closing.Store(true)
		s.conn.Close()
		close(s.quit)
	})
	s.wg.Wait()
}

func (s *CommandSession) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			s.failPending(ErrCancelled)
			return
		case c := <-s.calls:
			if s.faulted.Load() {
				c.done <- callResult{err: ErrNotReady}
				continue
			}
			s.serve(c)
		}
	}
}

func (s *CommandSession) serve(c *call) {
	if c.ctx.Err() != nil {
		c.done <- callResult{err: ErrCancelled}
		return
	}

	if s.onBusy != nil {
		s.onBusy(true)
		defer s.onBusy(false)
	}

	var resp *protocol.Response
	var err error
	if c.batch != nil {
		resp, err = s.conn.ExchangeList(c.batch)
	} else {
		resp, err = s.conn.Exchange(c.cmd)
	}
	if err == nil {
		c.done <- callResult{resp: resp}
		return
	}

	var cmdErr *protocol.CommandError
	if errors.As(err, &cmdErr) {
		// Server-side rejection. The connection itself is fine.
		c.done <- callResult{err: err}
		return
	}

	if s.closing.Load() {
		c.done <- callResult{err: ErrCancelled}
		return
	}

	// Transport or framing fault: the connection cannot be trusted anymore.
	s.faulted.Store(true)
	log.Warn().Err(err).Msg("command session faulted")
	if s.onFault != nil {
		s.onFault(err)
	}
	c.done <- callResult{err: &TransportError{Err: err}}
}

func (s *CommandSession) failPending(err error) {
	for {
		select {
		case c := <-s.calls:
			c.done <- callResult{err: err}
		default:
			return
		}
	}
}
