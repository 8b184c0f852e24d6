// Package platform defines the contract between the session core and the
// subsystem that owns the live tunnel. The session manager only starts,
// stops, and observes that subsystem; it never touches packets.
package platform

import (
	"context"
	"errors"

	"proxytun/internal/core"
)

// ErrPermissionDenied is returned by RequestStart when the user or the
// platform declined to authorize tunnel creation. Not retried.
var ErrPermissionDenied = errors.New("tunnel creation not authorized")

// Notifier receives asynchronous session-status notifications. Delivery may
// be concurrent with the call that registered the notifier.
type Notifier interface {
	Notify(ev core.StatusEvent)
}

// TunnelSubsystem is the platform collaborator owning the tunnel lifecycle.
// RequestStart and RequestStop only issue the request; completion is reported
// through the Notifier as Connected, Disconnected or Invalid.
type TunnelSubsystem interface {
	// RequestStart asks the subsystem to begin tunneling with the given
	// configuration. An error means the request itself could not be issued
	// (ErrPermissionDenied, or any other error for a setup failure); no
	// status notifications follow a failed request.
	RequestStart(ctx context.Context, cfg core.TunnelConfig) error

	// RequestStop asks the subsystem to tear the tunnel down. Completion is
	// signaled by a Disconnected notification.
	RequestStop(ctx context.Context) error

	// SetNotifier installs the notification sink. Must be called before the
	// first RequestStart.
	SetNotifier(n Notifier)
}

// DisconnectRecorder is implemented by subsystems that retain a structured
// error describing the most recent terminal failure. The diagnostics IPC
// handler for fetchLastDisconnectDetailedJsonError reads from it.
type DisconnectRecorder interface {
	// LastDisconnectError returns the recorded {code, json} pair, or
	// ok=false when no failure has been recorded since the last start.
	LastDisconnectError() (code, detailJSON string, ok bool)
}
