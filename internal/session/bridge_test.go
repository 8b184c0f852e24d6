package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxytun/internal/core"
)

func newTestBridge() *Bridge {
	return NewBridge(core.NewLogger(core.LogConfig{Level: "off"}), nil)
}

func TestTerminalWaitResolvesOnFirstTerminal(t *testing.T) {
	b := newTestBridge()
	w := b.Subscribe("t1")

	b.Notify(core.StatusEvent{TunnelID: "t1", State: core.StateConnecting})
	b.Notify(core.StatusEvent{TunnelID: "t1", State: core.StateConnected})

	state, err := w.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.StateConnected, state)
}

func TestTerminalWaitBuffersEventBeforeWait(t *testing.T) {
	// Registration happens before the request is issued, so the terminal
	// event may arrive before anyone blocks in Wait.
	b := newTestBridge()
	w := b.Subscribe("t1")
	b.Notify(core.StatusEvent{TunnelID: "t1", State: core.StateConnecting})
	b.Notify(core.StatusEvent{TunnelID: "t1", State: core.StateConnected})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	state, err := w.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StateConnected, state)
}

func TestTerminalWaitIgnoresOtherSessions(t *testing.T) {
	b := newTestBridge()
	w := b.Subscribe("t1")

	b.Notify(core.StatusEvent{TunnelID: "t2", State: core.StateConnecting})
	b.Notify(core.StatusEvent{TunnelID: "t2", State: core.StateConnected})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := w.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTerminalWaitCancelIsIdempotent(t *testing.T) {
	b := newTestBridge()
	w := b.Subscribe("t1")
	w.Cancel()
	w.Cancel()

	// A terminal event after cancellation must not resolve the wait.
	b.Notify(core.StatusEvent{TunnelID: "t1", State: core.StateDisconnected})
	select {
	case <-w.ch:
		t.Fatal("cancelled wait received a state")
	default:
	}
}

func TestDuplicateTerminalNotificationsIgnored(t *testing.T) {
	// Platforms can emit several events in one logical transition; the
	// waiter must resolve exactly once and duplicates must not re-deliver.
	b := newTestBridge()
	w := b.Subscribe("t1")

	b.Notify(core.StatusEvent{TunnelID: "t1", State: core.StateConnecting})
	b.Notify(core.StatusEvent{TunnelID: "t1", State: core.StateDisconnecting})
	b.Notify(core.StatusEvent{TunnelID: "t1", State: core.StateDisconnected})
	b.Notify(core.StatusEvent{TunnelID: "t1", State: core.StateDisconnected})

	state, err := w.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.StateDisconnected, state)
	assert.Empty(t, w.ch, "no second resolution queued")
}

func TestObserverSeesOnlyValidEdges(t *testing.T) {
	b := newTestBridge()
	var mu sync.Mutex
	var seen []core.SessionState
	b.SetObserver(func(state core.SessionState, tunnelID string) {
		mu.Lock()
		seen = append(seen, state)
		mu.Unlock()
	})

	b.Notify(core.StatusEvent{TunnelID: "t1", State: core.StateConnecting})
	b.Notify(core.StatusEvent{TunnelID: "t1", State: core.StateConnected})
	// Connected → Connecting is outside the state graph and must be dropped.
	b.Notify(core.StatusEvent{TunnelID: "t1", State: core.StateConnecting})
	// Repeated state is a duplicate and must be dropped.
	b.Notify(core.StatusEvent{TunnelID: "t1", State: core.StateConnected})
	b.Notify(core.StatusEvent{TunnelID: "t1", State: core.StateDisconnecting})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []core.SessionState{core.StateConnecting, core.StateConnected, core.StateDisconnecting}, seen)
	assert.Equal(t, core.StateDisconnecting, b.State("t1"))
}

func TestNotificationsWithoutIdentityDropped(t *testing.T) {
	b := newTestBridge()
	called := false
	b.SetObserver(func(core.SessionState, string) { called = true })

	b.Notify(core.StatusEvent{State: core.StateConnected})
	assert.False(t, called)
}

func TestObserverLastRegistrationWins(t *testing.T) {
	b := newTestBridge()
	var first, second int
	b.SetObserver(func(core.SessionState, string) { first++ })
	b.SetObserver(func(core.SessionState, string) { second++ })

	b.Notify(core.StatusEvent{TunnelID: "t1", State: core.StateConnecting})
	assert.Zero(t, first)
	assert.Equal(t, 1, second)
}

func TestBusSubscriberReceivesStateChanges(t *testing.T) {
	bus := core.NewEventBus()
	got := make(chan core.SessionStatePayload, 4)
	bus.Subscribe(core.EventSessionStateChanged, func(ev core.Event) {
		if p, ok := ev.Payload.(core.SessionStatePayload); ok {
			got <- p
		}
	})
	b := NewBridge(core.NewLogger(core.LogConfig{Level: "off"}), bus)

	b.Notify(core.StatusEvent{TunnelID: "t1", State: core.StateConnecting})
	b.Notify(core.StatusEvent{TunnelID: "t1", State: core.StateConnected})

	seen := map[core.SessionState]core.SessionState{}
	for i := 0; i < 2; i++ {
		select {
		case p := <-got:
			assert.Equal(t, "t1", p.TunnelID)
			seen[p.NewState] = p.OldState
		case <-time.After(time.Second):
			t.Fatal("bus subscriber did not receive the state change")
		}
	}
	// Delivery is async so arrival order is not fixed; both transitions must
	// land with the right old state.
	assert.Equal(t, core.StateConnecting, seen[core.StateConnected])
	assert.Contains(t, seen, core.StateConnecting)
}

func TestWaitHonorsContext(t *testing.T) {
	b := newTestBridge()
	w := b.Subscribe("t1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
