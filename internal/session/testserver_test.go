package session

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeServer speaks just enough of the wire protocol for session tests:
// banner, password, status, idle/noidle, command lists, plus two test-only
// verbs ("echo" answers slowly, "die" drops the connection mid-command).
type fakeServer struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	password string
	conns    []net.Conn
	accepted int
	log      []string

	wake chan string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeServer{t: t, ln: ln, wake: make(chan string, 1)}
	go f.acceptLoop()
	t.Cleanup(f.close)
	return f
}

func (f *fakeServer) addr() string {
	return f.ln.Addr().String()
}

func (f *fakeServer) close() {
	f.ln.Close()
	f.closeConns()
}

// closeConns drops every live connection, simulating a server restart.
func (f *fakeServer) closeConns() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (f *fakeServer) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted
}

// notifyIdle wakes one pending idle wait with the given subsystem.
func (f *fakeServer) notifyIdle(subsystem string) {
	f.wake <- subsystem
}

func (f *fakeServer) acceptLoop() {
	for {
		c, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, c)
		f.accepted++
		f.mu.Unlock()
		go f.serve(c)
	}
}

func (f *fakeServer) serve(c net.Conn) {
	defer c.Close()
	io.WriteString(c, "OK MPD 0.24.0\n")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for line := range lines {
		if !f.handle(c, line, lines) {
			return
		}
	}
}

// handle serves one command; returns false to drop the connection.
func (f *fakeServer) handle(c net.Conn, line string, lines <-chan string) bool {
	f.mu.Lock()
	f.log = append(f.log, line)
	password := f.password
	f.mu.Unlock()

	switch {
	case strings.HasPrefix(line, "password "):
		got := strings.Trim(strings.TrimPrefix(line, "password "), `"`)
		if password != "" && got != password {
			io.WriteString(c, "ACK [3@0] {password} incorrect password\n")
			return true
		}
		io.WriteString(c, "OK\n")

	case line == "status":
		io.WriteString(c, "volume: 70\nstate: play\nsong: 0\nplaylist: 3\nOK\n")

	case line == "idle":
		select {
		case sub := <-f.wake:
			fmt.Fprintf(c, "changed: %s\nOK\n", sub)
		case next, ok := <-lines:
			if !ok {
				return false
			}
			if next == "noidle" {
				io.WriteString(c, "OK\n")
				return true
			}
			return false
		}

	case strings.HasPrefix(line, "echo "):
		// Slow command used to observe ordering.
		time.Sleep(20 * time.Millisecond)
		fmt.Fprintf(c, "value: %s\nOK\n", strings.Trim(strings.TrimPrefix(line, "echo "), `"`))

	case line == "die":
		return false

	case strings.HasPrefix(line, "fail"):
		io.WriteString(c, "ACK [2@0] {fail} deliberate failure\n")

	case line == "command_list_ok_begin":
		var cmds []string
		for next := range lines {
			if next == "command_list_end" {
				break
			}
			cmds = append(cmds, next)
		}
		for i, cmd := range cmds {
			if strings.HasPrefix(cmd, "fail") {
				fmt.Fprintf(c, "ACK [2@%d] {fail} deliberate failure\n", i)
				return true
			}
			io.WriteString(c, "list_OK\n")
		}
		io.WriteString(c, "OK\n")

	default:
		io.WriteString(c, "OK\n")
	}
	return true
}

// waitState drains a state watcher until the wanted state arrives.
func waitState(t *testing.T, ch <-chan ConnState, want ConnState) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}
