// proxytun-diag runs connectivity and performance diagnostics, either
// locally through the host network or remotely through the tunnel process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"proxytun/internal/core"
	"proxytun/internal/diag"
	"proxytun/internal/ipc"
	"proxytun/internal/transport"
)

var version = "dev"

// Global flags parsed off the front of the argument list.
var (
	jsonOutput bool
	timeout    = 60 * time.Second
)

func main() {
	args := parseGlobalFlags(os.Args[1:])
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	log := core.NewLogger(core.LogConfig{Level: "warn"})
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd, cmdArgs := args[0], args[1:]
	switch cmd {
	case "test":
		dialer := &transport.Direct{}
		outputResult(diag.New(dialer, testConfig(cmdArgs), log).Run(ctx))

	case "remote":
		if len(cmdArgs) < 1 {
			fatal("usage: proxytun-diag remote <transport-config-file>")
		}
		cfgText, err := os.ReadFile(cmdArgs[0])
		if err != nil {
			fatal("read transport config: %v", err)
		}
		client := dialDaemon(ctx)
		defer client.Close()
		outputResult(diag.RunRemote(ctx, client, string(cfgText)))

	case "last-error":
		client := dialDaemon(ctx)
		defer client.Close()
		detail, err := client.FetchLastDisconnectError(ctx)
		if err != nil {
			fatal("fetch last disconnect error: %v", err)
		}
		if detail == nil {
			fmt.Println("no disconnect error recorded")
			return
		}
		fmt.Printf("code:  %s\ndetail: %s\n", detail.ErrorCode, detail.ErrorJSON)

	case "version":
		fmt.Println("proxytun-diag", version)

	default:
		printUsage()
		os.Exit(1)
	}
}

// testConfig builds the local test configuration from "key=value" args.
func testConfig(args []string) diag.Config {
	cfg := diag.Config{}
	for _, a := range args {
		key, val, ok := strings.Cut(a, "=")
		if !ok {
			continue
		}
		switch key {
		case "tcp":
			cfg.TCPTarget = val
		case "udp":
			cfg.UDPTarget = val
		case "window":
			if d, err := time.ParseDuration(val); err == nil {
				cfg.Window = d
			}
		}
	}
	return cfg
}

func dialDaemon(ctx context.Context) *ipc.DiagClient {
	ch, err := ipc.Dial(ctx)
	if err != nil {
		fatal("connect to proxytund: %v", err)
	}
	return ipc.NewDiagClient(ch)
}

func outputResult(res *diag.Result) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(res)
		return
	}
	fmt.Printf("tcp:       %s\n", okString(res.TCPOK, res.TCPError))
	fmt.Printf("udp:       %s\n", okString(res.UDPOK, res.UDPError))
	fmt.Printf("latency:   %s\n", valString(res.LatencyMs, "ms", ""))
	fmt.Printf("download:  %s\n", valString(res.DownloadKBps, "KB/s", res.DownloadError))
	fmt.Printf("upload:    %s\n", valString(res.UploadKBps, "KB/s", res.UploadError))
	if !res.ConnectivityOK {
		os.Exit(1)
	}
}

func okString(ok bool, errMsg string) string {
	if ok {
		return "ok"
	}
	if errMsg == "" {
		return "failed"
	}
	return "failed (" + errMsg + ")"
}

func valString(v int64, unit, errMsg string) string {
	if v < 0 {
		return okString(false, errMsg)
	}
	return fmt.Sprintf("%d %s", v, unit)
}

func parseGlobalFlags(args []string) []string {
	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--json":
			jsonOutput = true
		case "--timeout":
			if i+1 < len(args) {
				if d, err := time.ParseDuration(args[i+1]); err == nil {
					timeout = d
				}
				i++
			}
		default:
			rest = append(rest, args[i])
		}
	}
	return rest
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `proxytun-diag - tunnel diagnostics

Usage:
  proxytun-diag [--json] [--timeout 60s] <command>

Commands:
  test [tcp=host:port] [udp=host:port] [window=10s]
        Run the connectivity and bandwidth test locally.
  remote <transport-config-file>
        Ask proxytund to run the test through the live tunnel.
  last-error
        Print the last recorded session disconnect error.
  version
        Print the version.
`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
