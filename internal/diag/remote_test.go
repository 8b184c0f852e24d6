package diag

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxytun/internal/ipc"
)

func TestRunRemoteChannelFailureFailsEveryStage(t *testing.T) {
	client, server := net.Pipe()
	server.Close()
	ch := ipc.NewChannel(client)
	t.Cleanup(func() { ch.Close() })

	res := RunRemote(context.Background(), ipc.NewDiagClient(ch), "scheme: direct\nendpoint: proxy.example:443\n")

	require.NotNil(t, res)
	assert.False(t, res.TCPOK)
	assert.False(t, res.UDPOK)
	assert.False(t, res.ConnectivityOK)
	assert.Equal(t, int64(-1), res.DownloadKBps)
	assert.Equal(t, int64(-1), res.UploadKBps)
	assert.Equal(t, int64(-1), res.LatencyMs)

	// One transport-level cause, reported for every stage.
	require.NotEmpty(t, res.TCPError)
	assert.Equal(t, res.TCPError, res.UDPError)
	assert.Equal(t, res.TCPError, res.DownloadError)
	assert.Equal(t, res.TCPError, res.UploadError)
}
