package diag

import (
	"context"

	"proxytun/internal/ipc"
)

// Report converts a local result into the IPC payload form. The mapping is
// 1:1 so remote and local runs carry identical field semantics.
func (r *Result) Report() *ipc.TestReport {
	return &ipc.TestReport{
		TCPSuccess:          r.TCPOK,
		UDPSuccess:          r.UDPOK,
		ConnectivitySuccess: r.ConnectivityOK,
		DownloadSpeedKBps:   r.DownloadKBps,
		UploadSpeedKBps:     r.UploadKBps,
		LatencyMs:           r.LatencyMs,
		DownloadTestSuccess: r.DownloadOK,
		UploadTestSuccess:   r.UploadOK,
		TCPError:            r.TCPError,
		UDPError:            r.UDPError,
		DownloadTestError:   r.DownloadError,
		UploadTestError:     r.UploadError,
	}
}

// FromReport converts a decoded IPC payload back into a Result.
func FromReport(rep *ipc.TestReport) *Result {
	return &Result{
		TCPOK:          rep.TCPSuccess,
		UDPOK:          rep.UDPSuccess,
		ConnectivityOK: rep.ConnectivitySuccess,
		DownloadKBps:   rep.DownloadSpeedKBps,
		UploadKBps:     rep.UploadSpeedKBps,
		LatencyMs:      rep.LatencyMs,
		DownloadOK:     rep.DownloadTestSuccess,
		UploadOK:       rep.UploadTestSuccess,
		TCPError:       rep.TCPError,
		UDPError:       rep.UDPError,
		DownloadError:  rep.DownloadTestError,
		UploadError:    rep.UploadTestError,
	}
}

// RunRemote asks the tunnel process to execute the test through its live
// transport. A channel failure produces an all-failed result rather than an
// error, matching the orchestrator's never-raise contract.
func RunRemote(ctx context.Context, client *ipc.DiagClient, transportCfg string) *Result {
	report, err := client.ComprehensiveTest(ctx, transportCfg)
	if err != nil {
		// Every stage failed for the same transport-level reason; say so
		// per stage rather than leaving blanks.
		msg := err.Error()
		return &Result{
			DownloadKBps:  -1,
			UploadKBps:    -1,
			LatencyMs:     -1,
			TCPError:      msg,
			UDPError:      msg,
			DownloadError: msg,
			UploadError:   msg,
		}
	}
	return FromReport(report)
}
