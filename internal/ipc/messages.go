package ipc

// Opcodes understood by the tunnel process.
const (
	// OpFetchLastDisconnectError retrieves the detailed error recorded for
	// the most recent terminal session failure. Empty response payload means
	// no error is recorded.
	OpFetchLastDisconnectError = "fetchLastDisconnectDetailedJsonError"

	// OpComprehensiveTestPrefix prefixes a comprehensive connectivity and
	// bandwidth test request; the transport config text trails the colon.
	OpComprehensiveTestPrefix = "comprehensiveTest:"
)

// Request is the envelope for one IPC call.
type Request struct {
	RequestID string `plist:"requestId"`
	Opcode    string `plist:"opcode"`
	Payload   []byte `plist:"payload,omitempty"`
}

// Response is the envelope for the matching reply. Exactly one of Payload
// and ErrorCode is meaningful; an empty ErrorCode means success.
type Response struct {
	RequestID string `plist:"requestId"`
	Payload   []byte `plist:"payload,omitempty"`
	ErrorCode string `plist:"errorCode,omitempty"`
}

// DisconnectDetail is the payload of a fetchLastDisconnectDetailedJsonError
// response.
type DisconnectDetail struct {
	ErrorCode string `plist:"errorCode"`
	ErrorJSON string `plist:"errorJson"`
}

// TestReport is the payload of a comprehensiveTest response. Field semantics
// are identical to the locally-run orchestrator result: -1 speeds and
// latency signal failure, *Error strings carry per-stage causes.
type TestReport struct {
	TCPSuccess          bool  `plist:"tcpSuccess"`
	UDPSuccess          bool  `plist:"udpSuccess"`
	ConnectivitySuccess bool  `plist:"connectivitySuccess"`
	DownloadSpeedKBps   int64 `plist:"downloadSpeedKBps"`
	UploadSpeedKBps     int64 `plist:"uploadSpeedKBps"`
	LatencyMs           int64 `plist:"latencyMs"`
	DownloadTestSuccess bool  `plist:"downloadTestSuccess"`
	UploadTestSuccess   bool  `plist:"uploadTestSuccess"`

	TCPError          string `plist:"tcpError,omitempty"`
	UDPError          string `plist:"udpError,omitempty"`
	DownloadTestError string `plist:"downloadTestError,omitempty"`
	UploadTestError   string `plist:"uploadTestError,omitempty"`
}
