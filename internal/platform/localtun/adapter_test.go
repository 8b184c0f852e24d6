package localtun

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxytun/internal/core"
	"proxytun/internal/transport"
)

var testLog = core.NewLogger(core.LogConfig{Level: "off"})

// chanNotifier forwards every status event to a channel so tests can await
// the asynchronous parts of the lifecycle.
type chanNotifier struct {
	events chan core.StatusEvent
}

func newChanNotifier() *chanNotifier {
	return &chanNotifier{events: make(chan core.StatusEvent, 16)}
}

func (n *chanNotifier) Notify(ev core.StatusEvent) { n.events <- ev }

func (n *chanNotifier) await(t *testing.T, want core.SessionState) core.StatusEvent {
	t.Helper()
	select {
	case ev := <-n.events:
		require.Equal(t, want, ev.State)
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("no %s notification arrived", want)
		return core.StatusEvent{}
	}
}

// startProxyStub accepts connections and holds them open until the test or
// the adapter closes them.
func startProxyStub(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
			go func() {
				<-done
				c.Close()
			}()
		}
	}()
	return ln.Addr().String(), func() {
		close(done)
		ln.Close()
	}
}

func transportBlob(endpoint string) string {
	return fmt.Sprintf("scheme: direct\nendpoint: %s\n", endpoint)
}

func TestStartConnectsAndStopTearsDown(t *testing.T) {
	addr, stop := startProxyStub(t)
	defer stop()

	a := New(&transport.Direct{}, testLog)
	n := newChanNotifier()
	a.SetNotifier(n)

	cfg := core.TunnelConfig{ID: "t1", Name: "home", Transport: transportBlob(addr)}
	require.NoError(t, a.RequestStart(context.Background(), cfg))
	assert.Equal(t, "t1", n.await(t, core.StateConnecting).TunnelID)
	n.await(t, core.StateConnected)

	require.NoError(t, a.RequestStop(context.Background()))
	n.await(t, core.StateDisconnecting)
	n.await(t, core.StateDisconnected)

	_, _, ok := a.LastDisconnectError()
	assert.False(t, ok, "a clean stop records no failure detail")
}

func TestStartRejectsMalformedTransportBlob(t *testing.T) {
	a := New(&transport.Direct{}, testLog)
	err := a.RequestStart(context.Background(), core.TunnelConfig{ID: "t1", Transport: "scheme: direct\n"})
	require.Error(t, err, "blob without an endpoint is rejected before any notification")
}

func TestStartRejectsSecondSession(t *testing.T) {
	addr, stop := startProxyStub(t)
	defer stop()

	a := New(&transport.Direct{}, testLog)
	n := newChanNotifier()
	a.SetNotifier(n)

	cfg := core.TunnelConfig{ID: "t1", Transport: transportBlob(addr)}
	require.NoError(t, a.RequestStart(context.Background(), cfg))
	n.await(t, core.StateConnecting)
	n.await(t, core.StateConnected)

	err := a.RequestStart(context.Background(), core.TunnelConfig{ID: "t2", Transport: transportBlob(addr)})
	require.Error(t, err)

	require.NoError(t, a.RequestStop(context.Background()))
}

func TestUnreachableProxyRecordsDetail(t *testing.T) {
	// A listener that is immediately closed leaves a port nothing answers on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	a := New(&transport.Direct{}, testLog)
	n := newChanNotifier()
	a.SetNotifier(n)

	cfg := core.TunnelConfig{ID: "t1", Transport: transportBlob(addr)}
	require.NoError(t, a.RequestStart(context.Background(), cfg), "dial failures surface as status, not as a start error")
	n.await(t, core.StateConnecting)
	n.await(t, core.StateDisconnecting)
	n.await(t, core.StateDisconnected)

	code, detail, ok := a.LastDisconnectError()
	require.True(t, ok)
	assert.Equal(t, CodeProxyUnreachable, code)
	var payload struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal([]byte(detail), &payload))
	assert.NotEmpty(t, payload.Message)
}

func TestLostConnectionReassertsThenFails(t *testing.T) {
	addr, stop := startProxyStub(t)

	a := New(&transport.Direct{}, testLog)
	n := newChanNotifier()
	a.SetNotifier(n)

	cfg := core.TunnelConfig{ID: "t1", Transport: transportBlob(addr)}
	require.NoError(t, a.RequestStart(context.Background(), cfg))
	n.await(t, core.StateConnecting)
	n.await(t, core.StateConnected)

	// Kill the proxy: the live connection drops and the redial target is gone.
	stop()
	n.await(t, core.StateReasserting)
	n.await(t, core.StateDisconnecting)
	n.await(t, core.StateDisconnected)

	code, _, ok := a.LastDisconnectError()
	require.True(t, ok)
	assert.Equal(t, CodeTunnelLost, code)
}

func TestNewSessionAllowedAfterFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := ln.Addr().String()
	ln.Close()

	a := New(&transport.Direct{}, testLog)
	n := newChanNotifier()
	a.SetNotifier(n)

	require.NoError(t, a.RequestStart(context.Background(), core.TunnelConfig{ID: "t1", Transport: transportBlob(deadAddr)}))
	n.await(t, core.StateConnecting)
	n.await(t, core.StateDisconnecting)
	n.await(t, core.StateDisconnected)

	addr, stop := startProxyStub(t)
	defer stop()
	require.NoError(t, a.RequestStart(context.Background(), core.TunnelConfig{ID: "t2", Transport: transportBlob(addr)}))
	n.await(t, core.StateConnecting)
	n.await(t, core.StateConnected)

	_, _, ok := a.LastDisconnectError()
	assert.False(t, ok, "starting a session clears the previous failure detail")

	require.NoError(t, a.RequestStop(context.Background()))
}
