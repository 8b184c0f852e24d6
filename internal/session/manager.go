package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"proxytun/internal/core"
	"proxytun/internal/platform"
)

// DisconnectDetail is the structured {code, json} pair describing the root
// cause of a terminal session failure.
type DisconnectDetail struct {
	Code string
	JSON string
}

// DisconnectErrorFetcher recovers the detailed remote error after a terminal
// failure state. Returning (nil, nil) means no error was recorded. The
// IPC diagnostics client and the in-process adapter both satisfy it.
type DisconnectErrorFetcher interface {
	LastDisconnectError(ctx context.Context) (*DisconnectDetail, error)
}

// ManagerDeps holds the collaborators a Manager coordinates.
type ManagerDeps struct {
	Subsystem platform.TunnelSubsystem
	Bridge    *Bridge
	Policy    *PolicyController
	Store     core.ConfigStore
	Errors    DisconnectErrorFetcher // may be nil; failures then surface as ErrInternal
	Log       *core.Logger
}

// Manager owns the tunnel session lifecycle: at most one session is live on
// the device at a time, and all start/stop operations are serialized so an
// explicit user action never races the status-event stream.
//
// Construct one Manager at process start and pass it by reference; there is
// no package-level instance.
type Manager struct {
	mu   sync.Mutex
	deps ManagerDeps

	activeID string // id of the currently configured session, "" before first start
}

// NewManager creates a session manager and plugs the bridge into the
// subsystem's notification stream.
func NewManager(deps ManagerDeps) *Manager {
	if deps.Log == nil {
		deps.Log = core.Log
	}
	deps.Subsystem.SetNotifier(deps.Bridge)
	return &Manager{deps: deps}
}

// Start establishes a tunnel session for the given identity. If another
// session is live (including an earlier start of the same id still awaiting
// its terminal state), it is stopped first, so start never runs concurrently
// with a live session.
//
// There is no built-in timeout on the terminal-state wait; bound it through
// ctx if the platform subsystem cannot be trusted to resolve.
func (m *Manager) Start(ctx context.Context, tunnelID, name, transportCfg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeID != "" && m.deps.Bridge.State(m.activeID).IsActive() {
		m.deps.Log.Infof("Session", "Stopping %q before starting %q", m.activeID, tunnelID)
		m.stopLocked(ctx, m.activeID)
	}

	rec, err := m.deps.Store.Load(tunnelID)
	if err != nil {
		rec = core.TunnelRecord{ID: tunnelID}
	}
	rec.Name = name
	rec.Transport = transportCfg
	if err := m.deps.Store.Save(rec); err != nil {
		return fmt.Errorf("%w: persist tunnel config: %v", ErrSetupFailed, err)
	}

	// Disable on-demand up front so the platform cannot auto-retry a
	// configuration that is about to fail.
	if err := m.deps.Policy.SetAutoReconnect(tunnelID, false); err != nil {
		m.deps.Log.Warnf("Session", "Disable on-demand for %q: %v", tunnelID, err)
	}

	wait := m.deps.Bridge.Subscribe(tunnelID)
	cfg := core.TunnelConfig{ID: tunnelID, Name: name, Transport: transportCfg}
	if err := m.deps.Subsystem.RequestStart(ctx, cfg); err != nil {
		wait.Cancel()
		if errors.Is(err, platform.ErrPermissionDenied) {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}
	m.activeID = tunnelID

	state, err := wait.Wait(ctx)
	if err != nil {
		return fmt.Errorf("%w: awaiting terminal state for %q: %v", ErrInternal, tunnelID, err)
	}

	switch state {
	case core.StateConnected:
		if err := m.deps.Policy.SetAutoReconnect(tunnelID, true); err != nil {
			m.deps.Log.Warnf("Session", "Re-enable on-demand for %q: %v", tunnelID, err)
		}
		m.deps.Log.Infof("Session", "Session %q connected", tunnelID)
		return nil

	case core.StateDisconnected, core.StateInvalid:
		return m.remoteError(ctx, tunnelID, state)

	default:
		return fmt.Errorf("%w: unexpected terminal state %s for %q", ErrInternal, state, tunnelID)
	}
}

// remoteError recovers the detailed remote failure for a terminal state, or
// degrades to ErrInternal when no detail is obtainable.
func (m *Manager) remoteError(ctx context.Context, tunnelID string, state core.SessionState) error {
	if m.deps.Errors == nil {
		return fmt.Errorf("%w: session %q reached %s", ErrInternal, tunnelID, state)
	}
	detail, err := m.deps.Errors.LastDisconnectError(ctx)
	if err != nil {
		m.deps.Log.Errorf("Session", "Fetch disconnect detail for %q: %v", tunnelID, err)
		return fmt.Errorf("%w: session %q reached %s", ErrInternal, tunnelID, state)
	}
	if detail == nil {
		return fmt.Errorf("%w: session %q reached %s with no recorded detail", ErrInternal, tunnelID, state)
	}
	return &RemoteSessionError{Code: detail.Code, JSON: detail.JSON}
}

// Stop tears down the session with the given identity. No-op if that tunnel
// is not the live one. Best-effort: teardown failures are logged, never
// surfaced, and IsActive reports false once Stop returns.
func (m *Manager) Stop(ctx context.Context, tunnelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tunnelID != m.activeID || !m.deps.Bridge.State(tunnelID).IsActive() {
		return
	}
	m.stopLocked(ctx, tunnelID)
}

// StopActive stops whichever session is live, ignoring identity.
func (m *Manager) StopActive(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID == "" || !m.deps.Bridge.State(m.activeID).IsActive() {
		return
	}
	m.stopLocked(ctx, m.activeID)
}

// stopLocked runs the teardown sequence. Caller holds m.mu.
func (m *Manager) stopLocked(ctx context.Context, tunnelID string) {
	if err := m.deps.Policy.SetAutoReconnect(tunnelID, false); err != nil {
		m.deps.Log.Warnf("Session", "Disable on-demand for %q: %v", tunnelID, err)
	}

	wait := m.deps.Bridge.Subscribe(tunnelID)
	if err := m.deps.Subsystem.RequestStop(ctx); err != nil {
		wait.Cancel()
		m.deps.Log.Warnf("Session", "Stop request for %q: %v", tunnelID, err)
		return
	}
	state, err := wait.Wait(ctx)
	if err != nil {
		m.deps.Log.Warnf("Session", "Awaiting disconnect of %q: %v", tunnelID, err)
		return
	}
	m.deps.Log.Infof("Session", "Session %q stopped (%s)", tunnelID, state)
}

// IsActive reports whether tunnelID is the configured session and its state
// is Connecting, Connected or Reasserting.
func (m *Manager) IsActive(tunnelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tunnelID == m.activeID && m.deps.Bridge.State(tunnelID).IsActive()
}

// OnStatusChange registers the status observer invoked with (state, tunnelID)
// on every event for the live session. Single slot, last registration wins.
func (m *Manager) OnStatusChange(fn func(state core.SessionState, tunnelID string)) {
	m.deps.Bridge.SetObserver(fn)
}
