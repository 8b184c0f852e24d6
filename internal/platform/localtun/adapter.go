// Package localtun is an in-process tunnel subsystem: it supervises a single
// connection to the configured proxy endpoint and reports session state
// through the platform notifier. It stands in for an OS tunnel service on
// hosts that have none.
package localtun

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"proxytun/internal/core"
	"proxytun/internal/platform"
	"proxytun/internal/transport"
)

const dialTimeout = 15 * time.Second

// Error codes recorded for fetchLastDisconnectDetailedJsonError.
const (
	CodeProxyUnreachable = "ERR_PROXY_UNREACHABLE"
	CodeTunnelLost       = "ERR_TUNNEL_LOST"
)

// Adapter implements platform.TunnelSubsystem and platform.DisconnectRecorder.
type Adapter struct {
	mu       sync.Mutex
	dialer   transport.StreamDialer
	log      *core.Logger
	notifier platform.Notifier

	tunnelID string
	cancel   context.CancelFunc
	conn     net.Conn

	lastCode string
	lastJSON string
	hasLast  bool
}

// New creates an adapter that reaches the proxy through the given dialer.
func New(dialer transport.StreamDialer, log *core.Logger) *Adapter {
	if log == nil {
		log = core.Log
	}
	return &Adapter{dialer: dialer, log: log}
}

func (a *Adapter) SetNotifier(n platform.Notifier) {
	a.mu.Lock()
	a.notifier = n
	a.mu.Unlock()
}

// RequestStart begins supervising a tunnel to the endpoint named by the
// transport blob. The request fails synchronously on a malformed blob or a
// session already running; everything after that is reported as status
// notifications.
func (a *Adapter) RequestStart(_ context.Context, cfg core.TunnelConfig) error {
	tc, err := transport.ParseConfig(cfg.Transport)
	if err != nil {
		return fmt.Errorf("start request rejected: %w", err)
	}

	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return fmt.Errorf("start request rejected: session %q still running", a.tunnelID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.tunnelID = cfg.ID
	a.hasLast = false
	a.mu.Unlock()

	a.notify(cfg.ID, core.StateConnecting)
	go a.supervise(ctx, cfg.ID, tc.Endpoint)
	return nil
}

// RequestStop tears the session down. Completion is the Disconnected event.
func (a *Adapter) RequestStop(_ context.Context) error {
	a.mu.Lock()
	cancel, conn, id := a.cancel, a.conn, a.tunnelID
	a.cancel, a.conn = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return fmt.Errorf("no session running")
	}

	a.notify(id, core.StateDisconnecting)
	cancel()
	if conn != nil {
		conn.Close()
	}
	a.notify(id, core.StateDisconnected)
	return nil
}

// LastDisconnectError returns the detail recorded for the most recent
// terminal failure.
func (a *Adapter) LastDisconnectError() (string, string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCode, a.lastJSON, a.hasLast
}

func (a *Adapter) supervise(ctx context.Context, id, endpoint string) {
	conn, err := a.dialProxy(ctx, endpoint)
	if err != nil {
		a.failSession(ctx, id, CodeProxyUnreachable, err)
		return
	}
	a.adoptConn(conn)
	a.notify(id, core.StateConnected)

	buf := make([]byte, 4096)
	for {
		// The proxy sends nothing unsolicited; Read blocks until the
		// connection drops or RequestStop closes it.
		if _, err := conn.Read(buf); err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		a.log.Warnf("Platform", "Tunnel %q lost, redialing %s", id, endpoint)
		a.notify(id, core.StateReasserting)
		conn, err = a.dialProxy(ctx, endpoint)
		if err != nil {
			a.failSession(ctx, id, CodeTunnelLost, err)
			return
		}
		a.adoptConn(conn)
		a.notify(id, core.StateConnected)
	}
}

func (a *Adapter) dialProxy(ctx context.Context, endpoint string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return a.dialer.DialStream(dialCtx, endpoint)
}

func (a *Adapter) adoptConn(conn net.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
}

// failSession records the failure detail and reports the teardown sequence
// Disconnecting then Disconnected, mirroring RequestStop so observers only
// ever see valid transitions. Skipped if the session was stopped meanwhile
// (the stop path reports its own events).
func (a *Adapter) failSession(ctx context.Context, id, code string, cause error) {
	if ctx.Err() != nil {
		return
	}
	detail, _ := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: cause.Error()})

	a.mu.Lock()
	a.lastCode, a.lastJSON, a.hasLast = code, string(detail), true
	cancel := a.cancel
	a.cancel, a.conn = nil, nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	a.log.Errorf("Platform", "Session %q failed: %s: %v", id, code, cause)
	a.notify(id, core.StateDisconnecting)
	a.notify(id, core.StateDisconnected)
}

func (a *Adapter) notify(id string, state core.SessionState) {
	a.mu.Lock()
	n := a.notifier
	a.mu.Unlock()
	if n == nil {
		return
	}
	n.Notify(core.StatusEvent{TunnelID: id, State: state})
}
