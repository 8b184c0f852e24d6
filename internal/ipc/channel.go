package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

const defaultDialTimeout = 5 * time.Second

// ErrUnavailable means the diagnostics channel itself is unusable (the
// tunnel process is not reachable or the connection broke). Never fatal to
// a session start/stop, only to the diagnostics call that used it.
var ErrUnavailable = errors.New("ipc: tunnel process unavailable")

// RemoteCallError is a failure reported by the remote handler for an
// otherwise healthy call.
type RemoteCallError struct {
	Opcode string
	Code   string
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("ipc: %s failed remotely: %s", e.Opcode, e.Code)
}

// Channel is a request/response exchange with the tunnel process. One call
// is outstanding at a time, so responses cannot be reordered relative to
// requests.
type Channel struct {
	conn  net.Conn
	codec Codec
	// inflight serializes calls; acquired via a buffered channel so a
	// cancelled context can give up waiting for its turn.
	inflight chan struct{}
}

// Dial connects to the tunnel process over the platform IPC transport
// (named pipe on Windows, unix socket elsewhere).
func Dial(ctx context.Context) (*Channel, error) {
	timeout := defaultDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	conn, err := ipcDial(timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return NewChannel(conn), nil
}

// NewChannel wraps an established connection. Used directly in tests and by
// callers that manage their own transport.
func NewChannel(conn net.Conn) *Channel {
	return &Channel{
		conn:     conn,
		inflight: make(chan struct{}, 1),
	}
}

// Call sends one opcode-tagged request and blocks for the matching response
// payload. No timeout is enforced here; bound the call through ctx.
func (c *Channel) Call(ctx context.Context, opcode string, payload []byte) ([]byte, error) {
	select {
	case c.inflight <- struct{}{}:
		defer func() { <-c.inflight }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	req := Request{
		RequestID: uuid.NewString(),
		Opcode:    opcode,
		Payload:   payload,
	}
	frame, err := c.codec.Encode(req)
	if err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", ErrUnavailable, opcode, err)
	}

	var resp Response
	if err := c.codec.Decode(c.conn, &resp); err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: read response for %s: %v", ErrUnavailable, opcode, err)
	}
	if resp.RequestID != req.RequestID {
		return nil, &DecodeError{Cause: fmt.Errorf("response id %q does not match request %q", resp.RequestID, req.RequestID)}
	}
	if resp.ErrorCode != "" {
		return nil, &RemoteCallError{Opcode: opcode, Code: resp.ErrorCode}
	}
	return resp.Payload, nil
}

// Close shuts the underlying connection down.
func (c *Channel) Close() error {
	return c.conn.Close()
}
