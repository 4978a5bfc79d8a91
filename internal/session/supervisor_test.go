package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mpdmirror/internal/protocol"
)

func startSupervisor(t *testing.T, f *fakeServer, cfg Config, onChanged func([]string)) *Supervisor {
	t.Helper()
	cfg.Addr = f.addr()
	if cfg.BackoffMin == 0 {
		cfg.BackoffMin = 10 * time.Millisecond
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 50 * time.Millisecond
	}
	sup := NewSupervisor(cfg, onChanged, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sup
}

func TestSupervisorBringsUpAndExecutes(t *testing.T) {
	f := newFakeServer(t)
	sup := startSupervisor(t, f, Config{}, nil)

	ch := sup.WatchState()
	waitState(t, ch, StateReady)

	resp, err := sup.Execute(context.Background(), protocol.Cmd("status"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Attr("state") != "play" {
		t.Errorf("unexpected response: %v", resp.Pairs)
	}
	if got := sup.ServerVersion(); got != "0.24.0" {
		t.Errorf("expected server version 0.24.0, got %q", got)
	}
}

func TestSupervisorAuthenticates(t *testing.T) {
	f := newFakeServer(t)
	f.mu.Lock()
	f.password = "hunter2"
	f.mu.Unlock()

	sup := startSupervisor(t, f, Config{Password: "hunter2"}, nil)
	waitState(t, sup.WatchState(), StateReady)

	if _, err := sup.Execute(context.Background(), protocol.Cmd("status")); err != nil {
		t.Fatalf("Execute after auth: %v", err)
	}
}

func TestSupervisorRecoversFromFault(t *testing.T) {
	f := newFakeServer(t)

	var mu sync.Mutex
	var notified [][]string
	sup := startSupervisor(t, f, Config{}, func(subs []string) {
		mu.Lock()
		notified = append(notified, subs)
		mu.Unlock()
	})

	ch := sup.WatchState()
	waitState(t, ch, StateReady)

	// Mid-execute socket loss surfaces a transport error to the caller.
	_, err := sup.Execute(context.Background(), protocol.Cmd("die"))
	var transErr *TransportError
	if !errors.As(err, &transErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}

	// The supervisor cycles faulted -> connecting -> ready.
	waitState(t, ch, StateFaulted)
	waitState(t, ch, StateReady)

	// And the idle session resumes waiting afterwards.
	deadline := time.After(5 * time.Second)
	for {
		f.notifyIdle("player")
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		n := len(notified)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("idle loop did not resume after reconnect")
		default:
		}
	}

	if _, err := sup.Execute(context.Background(), protocol.Cmd("status")); err != nil {
		t.Fatalf("Execute after recovery: %v", err)
	}
}

func TestSupervisorIdleEventsReachCallback(t *testing.T) {
	f := newFakeServer(t)

	events := make(chan []string, 4)
	sup := startSupervisor(t, f, Config{}, func(subs []string) { events <- subs })
	waitState(t, sup.WatchState(), StateReady)

	f.notifyIdle("playlist")
	select {
	case subs := <-events:
		if len(subs) != 1 || subs[0] != "playlist" {
			t.Errorf("unexpected subsystems: %v", subs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle notification never reached the callback")
	}
}

func TestExecuteFailsFastWhenDisconnected(t *testing.T) {
	sup := NewSupervisor(Config{Addr: "127.0.0.1:1"}, nil, nil)
	if _, err := sup.Execute(context.Background(), protocol.Cmd("status")); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestExecuteHeldUntilReadyWithinBound(t *testing.T) {
	f := newFakeServer(t)
	sup := startSupervisor(t, f, Config{ReadyWait: 2 * time.Second}, nil)

	// Submit before bring-up completes; the call should be held, not failed.
	resp, err := sup.Execute(context.Background(), protocol.Cmd("status"))
	if err != nil {
		t.Fatalf("held Execute: %v", err)
	}
	if resp.Attr("volume") != "70" {
		t.Errorf("unexpected response: %v", resp.Pairs)
	}
}

func TestForceReconnectRestoresReady(t *testing.T) {
	f := newFakeServer(t)
	sup := startSupervisor(t, f, Config{}, nil)

	ch := sup.WatchState()
	waitState(t, ch, StateReady)
	before := f.connCount()

	sup.ForceReconnect()
	waitState(t, ch, StateConnecting)
	waitState(t, ch, StateReady)

	if after := f.connCount(); after <= before {
		t.Errorf("expected new connections after forced reconnect, got %d -> %d", before, after)
	}
	if _, err := sup.Execute(context.Background(), protocol.Cmd("status")); err != nil {
		t.Fatalf("Execute after forced reconnect: %v", err)
	}
}

func TestStateStringy(t *testing.T) {
	states := map[ConnState]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateReady:        "ready",
		StateIdling:       "idling",
		StateBusy:         "busy",
		StateFaulted:      "faulted",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("state %d: got %q, want %q", int(s), s.String(), want)
		}
	}
	if !StateIdling.Connected() || StateFaulted.Connected() {
		t.Error("Connected() classification wrong")
	}
}
