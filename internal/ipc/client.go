package ipc

import (
	"context"
)

// DiagClient wraps a Channel with typed calls for the diagnostics opcodes.
type DiagClient struct {
	ch *Channel
}

// NewDiagClient creates a client over an established channel.
func NewDiagClient(ch *Channel) *DiagClient {
	return &DiagClient{ch: ch}
}

// FetchLastDisconnectError retrieves the detailed error recorded for the most
// recent terminal session failure. A nil detail with nil error means the
// tunnel process has none recorded.
func (c *DiagClient) FetchLastDisconnectError(ctx context.Context) (*DisconnectDetail, error) {
	payload, err := c.ch.Call(ctx, OpFetchLastDisconnectError, nil)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}
	var detail DisconnectDetail
	if err := unmarshalPayload(payload, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ComprehensiveTest asks the tunnel process to run the full connectivity and
// bandwidth test through its live transport, configured by transportCfg.
func (c *DiagClient) ComprehensiveTest(ctx context.Context, transportCfg string) (*TestReport, error) {
	payload, err := c.ch.Call(ctx, OpComprehensiveTestPrefix+transportCfg, nil)
	if err != nil {
		return nil, err
	}
	var report TestReport
	if err := unmarshalPayload(payload, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Close releases the underlying channel.
func (c *DiagClient) Close() error {
	return c.ch.Close()
}
