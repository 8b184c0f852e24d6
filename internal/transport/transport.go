// Package transport defines the dialer contracts the diagnostics orchestrator
// and the platform adapter run traffic through, plus a direct implementation
// backed by the host network stack.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"gopkg.in/yaml.v3"
)

// StreamDialer opens byte streams through a transport.
type StreamDialer interface {
	DialStream(ctx context.Context, address string) (net.Conn, error)
}

// PacketListener opens an unconnected packet channel through a transport.
type PacketListener interface {
	ListenPacket(ctx context.Context) (net.PacketConn, error)
}

// Dialer is the full transport collaborator: TCP streams plus UDP packets.
type Dialer interface {
	StreamDialer
	PacketListener
}

// Config is the parsed form of a transport blob. The session core passes the
// blob through opaquely; only transport implementations read it.
type Config struct {
	Scheme   string `yaml:"scheme"`
	Endpoint string `yaml:"endpoint"`
}

// ParseConfig parses a transport blob (a small YAML document).
func ParseConfig(text string) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
		return Config{}, fmt.Errorf("transport config is not valid YAML: %w", err)
	}
	if cfg.Endpoint == "" {
		return Config{}, fmt.Errorf("transport config has no endpoint")
	}
	return cfg, nil
}

// FromConfig builds a dialer for a transport blob. Only the direct scheme is
// built in; tunneled schemes are owned by the platform subsystem, which holds
// its own dialer.
func FromConfig(text string) (Dialer, error) {
	cfg, err := ParseConfig(text)
	if err != nil {
		return nil, err
	}
	switch cfg.Scheme {
	case "", "direct":
		return &Direct{}, nil
	default:
		return nil, fmt.Errorf("unsupported transport scheme %q", cfg.Scheme)
	}
}

// Direct dials through the host network stack without any tunnel.
// Used by the daemon-side diagnostics path and as the base dialer the
// platform adapter reaches the proxy endpoint with.
type Direct struct {
	// DialTimeout bounds a single stream dial. Zero means no bound beyond ctx.
	DialTimeout time.Duration
}

func (d *Direct) DialStream(ctx context.Context, address string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.DialTimeout, KeepAlive: -1}
	conn, err := nd.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial stream %s: %w", address, err)
	}
	return conn, nil
}

func (d *Direct) ListenPacket(ctx context.Context) (net.PacketConn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", "")
	if err != nil {
		return nil, fmt.Errorf("open packet channel: %w", err)
	}
	return pc, nil
}
