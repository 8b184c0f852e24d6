// Package ipc implements the request/response protocol between the app side
// and the process that owns the live tunnel. Messages are opcode-tagged
// binary property lists framed with a 4-byte big-endian length prefix; the
// self-describing envelope lets either side add fields without breaking
// older readers.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"

	"howett.net/plist"
)

// maxFrameSize bounds a single IPC frame. Test reports and error payloads
// are small; anything larger is a corrupt stream.
const maxFrameSize = 4 << 20

// DecodeError reports a frame or envelope that could not be decoded. The
// channel carrying it is unusable for diagnostics but never fatal to a
// session operation.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("ipc: decode: %v", e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// marshalPayload encodes an opcode payload as a standalone binary plist.
func marshalPayload(v any) ([]byte, error) {
	data, err := plist.Marshal(v, plist.BinaryFormat)
	if err != nil {
		return nil, fmt.Errorf("ipc: marshal payload: %w", err)
	}
	return data, nil
}

// unmarshalPayload decodes an opcode payload produced by marshalPayload.
func unmarshalPayload(data []byte, out any) error {
	if _, err := plist.Unmarshal(data, out); err != nil {
		return &DecodeError{Cause: err}
	}
	return nil
}

// Codec frames binary plist messages as [4-byte big-endian length][payload].
type Codec struct{}

// Encode marshals message to a length-prefixed binary plist frame.
func (Codec) Encode(message any) ([]byte, error) {
	body, err := plist.Marshal(message, plist.BinaryFormat)
	if err != nil {
		return nil, fmt.Errorf("ipc: marshal plist: %w", err)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// Decode reads one frame and unmarshals it into out.
func (Codec) Decode(r io.Reader, out any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("ipc: read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length > maxFrameSize {
		return &DecodeError{Cause: fmt.Errorf("frame length %d out of range", length)}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("ipc: read frame body (%d bytes): %w", length, err)
	}
	if _, err := plist.Unmarshal(body, out); err != nil {
		return &DecodeError{Cause: err}
	}
	return nil
}
