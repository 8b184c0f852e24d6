//go:build !windows

package ipc

import (
	"net"
	"os"
	"time"
)

// ipcAddress is the Unix Domain Socket path for the tunnel process.
const ipcAddress = "/var/run/proxytun.sock"

// ipcDial connects to the tunnel process Unix Domain Socket.
func ipcDial(timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", ipcAddress, timeout)
}

// ipcListen creates the Unix Domain Socket listener, replacing a stale
// socket file left by an unclean shutdown.
func ipcListen() (net.Listener, error) {
	if err := os.Remove(ipcAddress); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return net.Listen("unix", ipcAddress)
}
