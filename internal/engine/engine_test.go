package engine

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"mpdmirror/internal/session"
)

// startServer runs a minimal in-process server speaking just enough of the
// protocol for a full engine bring-up.
func startServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			go serveConn(conn)
		}
	}()
	return ln.Addr().String()
}

func serveConn(conn net.Conn) {
	defer conn.Close()
	fmt.Fprint(conn, "OK MPD 0.24.0\n")
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "status":
			fmt.Fprint(conn, "volume: 55\nstate: pause\nsong: 0\nplaylist: 7\nOK\n")
		case line == "playlistinfo":
			fmt.Fprint(conn, "file: x.flac\nTitle: X\nPos: 0\nOK\n")
		case line == "stats":
			fmt.Fprint(conn, "db_update: 11\nOK\n")
		case line == "listallinfo":
			fmt.Fprint(conn, "file: x.flac\nTitle: X\nAlbum: A\nAlbumArtist: Y\nOK\n")
		case line == "listplaylists":
			fmt.Fprint(conn, "OK\n")
		case strings.HasPrefix(line, "listplaylistinfo"):
			fmt.Fprint(conn, "ACK [50@0] {listplaylistinfo} No such playlist\n")
		case line == "idle":
			// Wait for the noidle that ends the idle round.
		case line == "noidle":
			fmt.Fprint(conn, "OK\n")
		default:
			fmt.Fprint(conn, "OK\n")
		}
	}
}

func TestEngineMirrorsServerState(t *testing.T) {
	addr := startServer(t)

	e := New(Options{
		Addr:       addr,
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 50 * time.Millisecond,
		ReadyWait:  2 * time.Second,
	})
	e.Start(context.Background())
	defer e.Stop()

	// Favorites is the last scope in refresh order, so once it is loaded
	// the whole mirror is.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, _, ok := e.Favorites(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("mirror did not fill after start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	st, _ := e.Status()
	if st.Volume != 55 || st.QueueVersion != 7 {
		t.Errorf("unexpected status: %+v", st)
	}
	q, _ := e.Queue()
	if len(q.Songs) != 1 || q.Songs[0].URI != "x.flac" {
		t.Errorf("unexpected queue: %+v", q)
	}
	song, ok := e.CurrentSong()
	if !ok || song.URI != "x.flac" {
		t.Errorf("unexpected current song: %+v (ok=%v)", song, ok)
	}
	if got := e.ServerVersion(); got != "0.24.0" {
		t.Errorf("server version: got %q", got)
	}
	if state := e.ConnState(); !state.Connected() {
		t.Errorf("expected connected state, got %v", state)
	}

	// The favorites playlist does not exist server-side; that is mirrored
	// as absent, not as an error.
	_, present, ok := e.Favorites()
	if !ok || present {
		t.Errorf("expected favorites absent, got present=%v ok=%v", present, ok)
	}

	lib, ok := e.Library()
	if !ok || len(lib.Albums) != 1 || lib.Albums[0].Artist != "Y" {
		t.Errorf("unexpected library: %+v (ok=%v)", lib, ok)
	}
}

func TestEngineStopIsClean(t *testing.T) {
	addr := startServer(t)

	e := New(Options{
		Addr:       addr,
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 50 * time.Millisecond,
		ReadyWait:  2 * time.Second,
	})

	watch := e.WatchConn()
	e.Start(context.Background())

	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-watch:
			if state == session.StateReady {
				goto ready
			}
		case <-deadline:
			t.Fatal("engine never became ready")
		}
	}
ready:
	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	if state := e.ConnState(); state != session.StateDisconnected {
		t.Errorf("expected disconnected after Stop, got %v", state)
	}
}
