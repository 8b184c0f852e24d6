// proxytund is the tunnel service daemon. It owns the live tunnel through
// the platform adapter, hosts the session manager, and serves the
// diagnostics IPC protocol to unprivileged clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"proxytun/internal/core"
	"proxytun/internal/diag"
	"proxytun/internal/ipc"
	"proxytun/internal/platform"
	"proxytun/internal/platform/localtun"
	"proxytun/internal/session"
	"proxytun/internal/transport"
)

var version = "dev"

func main() {
	var (
		recordsPath   = flag.String("records", "proxytun.yaml", "path to the persisted tunnel record file")
		logLevel      = flag.String("log", "info", "log level: debug|info|warn|error|off")
		tunnelID      = flag.String("id", "", "tunnel id to start at boot (optional)")
		tunnelName    = flag.String("name", "", "display name for the boot tunnel")
		transportPath = flag.String("transport", "", "path to the transport config for the boot tunnel")
		showVersion   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("proxytund", version)
		return
	}

	log := core.NewLogger(core.LogConfig{Level: *logLevel})
	core.Log = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := core.NewFileStore(*recordsPath)
	bus := core.NewEventBus()
	// Status logging rides the bus, leaving the bridge's observer slot free
	// for a UI binding.
	bus.Subscribe(core.EventSessionStateChanged, func(ev core.Event) {
		p, ok := ev.Payload.(core.SessionStatePayload)
		if !ok {
			return
		}
		log.Infof("Session", "Status %q %s → %s", p.TunnelID, p.OldState, p.NewState)
	})
	bridge := session.NewBridge(log, bus)
	dialer := &transport.Direct{}
	adapter := localtun.New(dialer, log)

	mgr := session.NewManager(session.ManagerDeps{
		Subsystem: adapter,
		Bridge:    bridge,
		Policy:    session.NewPolicyController(store, log),
		Store:     store,
		Errors:    recorderFetcher{adapter},
		Log:       log,
	})
	server := ipc.NewServer(log)
	registerDiagHandlers(server, adapter, log)

	if *tunnelID != "" {
		cfgText, err := os.ReadFile(*transportPath)
		if err != nil {
			log.Fatalf("Session", "Read transport config: %v", err)
		}
		go func() {
			if err := mgr.Start(ctx, *tunnelID, *tunnelName, string(cfgText)); err != nil {
				log.Errorf("Session", "Boot tunnel %q: %v", *tunnelID, err)
			}
		}()
	}

	log.Infof("IPC", "proxytund %s serving diagnostics", version)
	if err := server.ListenAndServe(ctx); err != nil {
		log.Errorf("IPC", "Serve: %v", err)
	}

	// Best-effort teardown so the tunnel does not outlive the daemon.
	mgr.StopActive(context.Background())
}

// registerDiagHandlers wires the two diagnostics opcodes.
func registerDiagHandlers(server *ipc.Server, recorder platform.DisconnectRecorder, log *core.Logger) {
	server.Handle(ipc.OpFetchLastDisconnectError, func(ctx context.Context, _ string, _ []byte) (any, error) {
		code, detailJSON, ok := recorder.LastDisconnectError()
		if !ok {
			return nil, nil
		}
		return &ipc.DisconnectDetail{ErrorCode: code, ErrorJSON: detailJSON}, nil
	})

	server.HandlePrefix(ipc.OpComprehensiveTestPrefix, func(ctx context.Context, cfgText string, _ []byte) (any, error) {
		dialer, err := transport.FromConfig(cfgText)
		if err != nil {
			return nil, fmt.Errorf("unsupportedTransport: %w", err)
		}
		return diag.New(dialer, diag.Config{}, log).Run(ctx).Report(), nil
	})
}

// recorderFetcher adapts the in-process adapter's recorded error to the
// session manager's fetcher contract.
type recorderFetcher struct {
	rec platform.DisconnectRecorder
}

func (f recorderFetcher) LastDisconnectError(context.Context) (*session.DisconnectDetail, error) {
	code, detailJSON, ok := f.rec.LastDisconnectError()
	if !ok {
		return nil, nil
	}
	return &session.DisconnectDetail{Code: code, JSON: detailJSON}, nil
}
