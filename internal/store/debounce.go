package store

import (
	"sync"
	"time"
)

// Debouncer collapses rapid change signals into batched flushes. Scopes
// triggered within the window are accumulated as a set and handed to the
// flush callback once, so a burst of notifications for one scope costs one
// refresh.
type Debouncer struct {
	window  time.Duration
	flushFn func([]Scope)

	mu      sync.Mutex
	pending map[Scope]bool
	timer   *time.Timer
	stopped bool
}

// NewDebouncer creates a debouncer. A zero window flushes synchronously on
// every trigger (useful in tests).
func NewDebouncer(window time.Duration, flushFn func([]Scope)) *Debouncer {
	return &Debouncer{
		window:  window,
		flushFn: flushFn,
		pending: make(map[Scope]bool),
	}
}

// Trigger records that a scope changed. The flush is deferred until the
// window elapses without further triggers.
func (d *Debouncer) Trigger(scopes ...Scope) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	for _, s := range scopes {
		d.pending[s] = true
	}
	if d.window <= 0 {
		scopes := d.take()
		d.mu.Unlock()
		if len(scopes) > 0 {
			d.flushFn(scopes)
		}
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
	d.mu.Unlock()
}

// flush hands the accumulated set to the callback and resets it.
func (d *Debouncer) flush() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	scopes := d.take()
	d.mu.Unlock()

	if len(scopes) > 0 {
		d.flushFn(scopes)
	}
}

// take drains the pending set in deterministic scope order (caller holds mu).
func (d *Debouncer) take() []Scope {
	if len(d.pending) == 0 {
		return nil
	}
	var scopes []Scope
	for _, s := range AllScopes {
		if d.pending[s] {
			scopes = append(scopes, s)
		}
	}
	d.pending = make(map[Scope]bool)
	return scopes
}

// Stop prevents any further flushes.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = make(map[Scope]bool)
}
