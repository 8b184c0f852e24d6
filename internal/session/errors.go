package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for the session start failure modes. RemoteSessionError
// carries structured detail and is matched with errors.As instead.
var (
	// ErrPermissionDenied means the user or platform declined to authorize
	// tunnel creation. Surfaced immediately, never retried.
	ErrPermissionDenied = errors.New("tunnel creation not authorized")

	// ErrSetupFailed means the start request itself could not be issued.
	ErrSetupFailed = errors.New("tunnel setup failed")

	// ErrInternal covers terminal failures with no retrievable remote detail.
	ErrInternal = errors.New("tunnel session failed")
)

// RemoteSessionError is a terminal session failure with detail recovered from
// the tunnel process via fetchLastDisconnectDetailedJsonError.
type RemoteSessionError struct {
	Code string
	JSON string
}

func (e *RemoteSessionError) Error() string {
	return fmt.Sprintf("remote session error %s: %s", e.Code, e.JSON)
}
