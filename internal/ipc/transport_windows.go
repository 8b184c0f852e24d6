//go:build windows

package ipc

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// ipcAddress is the Named Pipe path for the tunnel process.
const ipcAddress = `\\.\pipe\proxytun`

// ipcDial connects to the tunnel process Named Pipe.
func ipcDial(timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(ipcAddress, &timeout)
}

// ipcListen creates the Named Pipe listener. The SDDL grant lets any
// authenticated user connect; the diag CLI runs unelevated.
func ipcListen() (net.Listener, error) {
	cfg := &winio.PipeConfig{
		SecurityDescriptor: "D:P(A;;GA;;;AU)",
		MessageMode:        false,
		InputBufferSize:    64 * 1024,
		OutputBufferSize:   64 * 1024,
	}
	return winio.ListenPipe(ipcAddress, cfg)
}
