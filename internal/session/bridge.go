package session

import (
	"context"
	"sync"

	"proxytun/internal/core"
)

// Bridge turns the platform's push-style status notifications into one-shot
// awaitable terminal waits, and fans every event out to a single broadcast
// observer. It implements platform.Notifier.
//
// The two paths never share a registration: a TerminalWait is its own
// subscription object and unsubscribes itself exactly once, on resolution,
// cancellation or caller abandon.
type Bridge struct {
	mu        sync.Mutex
	waiters   map[*TerminalWait]struct{}
	observer  func(state core.SessionState, tunnelID string)
	lastState map[string]core.SessionState

	log *core.Logger
	bus *core.EventBus // optional; mirrors events for other components
}

// NewBridge creates a bridge. bus may be nil.
func NewBridge(log *core.Logger, bus *core.EventBus) *Bridge {
	if log == nil {
		log = core.Log
	}
	return &Bridge{
		waiters:   make(map[*TerminalWait]struct{}),
		lastState: make(map[string]core.SessionState),
		log:       log,
		bus:       bus,
	}
}

// TerminalWait is a one-shot subscription resolved by the first terminal
// state (Connected, Disconnected or Invalid) observed for its tunnel.
type TerminalWait struct {
	bridge   *Bridge
	tunnelID string
	ch       chan core.SessionState
	once     sync.Once
}

// Subscribe registers a terminal wait for the given tunnel. Call it before
// issuing the start/stop request so a fast terminal event cannot be missed.
func (b *Bridge) Subscribe(tunnelID string) *TerminalWait {
	w := &TerminalWait{
		bridge:   b,
		tunnelID: tunnelID,
		ch:       make(chan core.SessionState, 1),
	}
	b.mu.Lock()
	b.waiters[w] = struct{}{}
	b.mu.Unlock()
	return w
}

// Wait blocks until the first terminal state or ctx expiry. There is no
// built-in timeout: the platform subsystem may take arbitrarily long, so
// callers bound the wait through ctx. The subscription is released on every
// exit path.
func (w *TerminalWait) Wait(ctx context.Context) (core.SessionState, error) {
	select {
	case state := <-w.ch:
		return state, nil
	case <-ctx.Done():
		w.Cancel()
		return core.StateInvalid, ctx.Err()
	}
}

// Cancel releases the subscription. Safe to call multiple times and after
// resolution.
func (w *TerminalWait) Cancel() {
	w.bridge.mu.Lock()
	delete(w.bridge.waiters, w)
	w.bridge.mu.Unlock()
}

// resolve delivers the terminal state exactly once and unsubscribes.
// Additional terminal notifications after the first are ignored.
func (w *TerminalWait) resolve(state core.SessionState) {
	w.once.Do(func() {
		w.ch <- state
	})
	w.Cancel()
}

// SetObserver installs the broadcast callback invoked on every status event.
// Single slot: the last registration wins. Pass nil to remove.
func (b *Bridge) SetObserver(fn func(state core.SessionState, tunnelID string)) {
	b.mu.Lock()
	b.observer = fn
	b.mu.Unlock()
}

// State returns the last observed state for a tunnel. Tunnels never seen
// report Disconnected.
func (b *Bridge) State(tunnelID string) core.SessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.lastState[tunnelID]; ok {
		return s
	}
	return core.StateDisconnected
}

// Notify ingests one platform status notification. Duplicate states and
// edges outside the session state graph are dropped with a warning, so
// downstream observers only ever see valid transitions.
func (b *Bridge) Notify(ev core.StatusEvent) {
	if ev.TunnelID == "" {
		b.log.Warnf("Bridge", "Dropping status notification with no session identity (state=%s)", ev.State)
		return
	}

	b.mu.Lock()
	last, seen := b.lastState[ev.TunnelID]
	if seen {
		if ev.State == last {
			b.mu.Unlock()
			return
		}
		if !core.ValidTransition(last, ev.State) {
			b.mu.Unlock()
			b.log.Warnf("Bridge", "Dropping invalid transition %s → %s for %q", last, ev.State, ev.TunnelID)
			return
		}
	}
	b.lastState[ev.TunnelID] = ev.State

	var resolved []*TerminalWait
	if ev.State.IsTerminal() {
		for w := range b.waiters {
			if w.tunnelID == ev.TunnelID {
				resolved = append(resolved, w)
			}
		}
	}
	observer := b.observer
	b.mu.Unlock()

	for _, w := range resolved {
		w.resolve(ev.State)
	}
	if observer != nil {
		observer(ev.State, ev.TunnelID)
	}
	if b.bus != nil {
		b.bus.PublishAsync(core.Event{
			Type: core.EventSessionStateChanged,
			Payload: core.SessionStatePayload{
				TunnelID: ev.TunnelID,
				OldState: last,
				NewState: ev.State,
			},
		})
	}
}
