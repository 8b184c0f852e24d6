// Package diag runs connectivity and bandwidth measurements through a tunnel
// transport, either locally over a held dialer or remotely by asking the
// tunnel process over IPC. Both paths produce identical field semantics.
package diag

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"proxytun/internal/core"
	"proxytun/internal/transport"
)

// Config holds probe targets and measurement parameters.
type Config struct {
	TCPTarget   string // host:port reached through the stream dialer
	UDPTarget   string // DNS server host:port reached through the packet channel
	ProbeDomain string // domain for the UDP DNS probe

	LatencyURL   string
	DownloadURLs []string // differently-sized resources; samples aggregate by median
	UploadURL    string

	Window       time.Duration // per-direction bandwidth window
	UploadChunk  int
	UploadPause  time.Duration
	CheckTimeout time.Duration // bounds each reachability check and the latency probe
}

func (c Config) withDefaults() Config {
	if c.TCPTarget == "" {
		c.TCPTarget = "cp.cloudflare.com:80"
	}
	if c.UDPTarget == "" {
		c.UDPTarget = "8.8.8.8:53"
	}
	if c.ProbeDomain == "" {
		c.ProbeDomain = "dns.google"
	}
	if c.LatencyURL == "" {
		c.LatencyURL = "https://speed.cloudflare.com/__ping"
	}
	if len(c.DownloadURLs) == 0 {
		c.DownloadURLs = []string{
			"https://speed.cloudflare.com/__down?bytes=1048576",
			"https://speed.cloudflare.com/__down?bytes=2097152",
			"https://speed.cloudflare.com/__down?bytes=4194304",
		}
	}
	if c.UploadURL == "" {
		c.UploadURL = "https://speed.cloudflare.com/__up"
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Second
	}
	if c.UploadChunk <= 0 {
		c.UploadChunk = 256 * 1024
	}
	if c.UploadPause <= 0 {
		c.UploadPause = 5 * time.Millisecond
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 10 * time.Second
	}
	return c
}

// Result is the outcome of one comprehensive test. Speeds are KB/s and -1
// signals failure, as does LatencyMs; per-stage errors carry the causes so a
// partial result is always usable.
type Result struct {
	TCPOK          bool
	UDPOK          bool
	ConnectivityOK bool

	DownloadKBps int64
	UploadKBps   int64
	LatencyMs    int64
	DownloadOK   bool
	UploadOK     bool

	TCPError      string
	UDPError      string
	DownloadError string
	UploadError   string
}

// Orchestrator runs the test sequence through one transport dialer.
type Orchestrator struct {
	dialer transport.Dialer
	cfg    Config
	log    *core.Logger
}

// New creates an orchestrator. Zero-value Config fields get defaults.
func New(dialer transport.Dialer, cfg Config, log *core.Logger) *Orchestrator {
	if log == nil {
		log = core.Log
	}
	return &Orchestrator{dialer: dialer, cfg: cfg.withDefaults(), log: log}
}

// Run executes the reachability checks and the bandwidth sequence. It never
// returns an error: failures populate the per-stage fields instead.
//
// The TCP and UDP checks are issued concurrently, so their wall-clock cost
// is bounded by the slower of the two.
func (o *Orchestrator) Run(ctx context.Context) *Result {
	res := &Result{DownloadKBps: -1, UploadKBps: -1, LatencyMs: -1}

	var g errgroup.Group
	g.Go(func() error {
		if err := o.checkTCP(ctx); err != nil {
			res.TCPError = err.Error()
		} else {
			res.TCPOK = true
		}
		return nil
	})
	g.Go(func() error {
		if err := o.checkUDP(ctx); err != nil {
			res.UDPError = err.Error()
		} else {
			res.UDPOK = true
		}
		return nil
	})
	g.Wait()
	res.ConnectivityOK = res.TCPOK && res.UDPOK

	res.LatencyMs = o.measureLatency(ctx)

	if kbps, err := o.measureDownload(ctx); err != nil {
		res.DownloadError = err.Error()
	} else {
		res.DownloadKBps = kbps
		res.DownloadOK = true
	}

	if kbps, err := o.measureUpload(ctx); err != nil {
		res.UploadError = err.Error()
	} else {
		res.UploadKBps = kbps
		res.UploadOK = true
	}

	o.log.Infof("Diag", "tcp=%v udp=%v latency=%dms down=%dKB/s up=%dKB/s",
		res.TCPOK, res.UDPOK, res.LatencyMs, res.DownloadKBps, res.UploadKBps)
	return res
}

// checkTCP verifies the transport can relay a TCP stream.
func (o *Orchestrator) checkTCP(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CheckTimeout)
	defer cancel()
	conn, err := o.dialer.DialStream(ctx, o.cfg.TCPTarget)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

// checkUDP verifies the transport can relay UDP by completing one DNS round
// trip against the configured resolver.
func (o *Orchestrator) checkUDP(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CheckTimeout)
	defer cancel()

	pc, err := o.dialer.ListenPacket(ctx)
	if err != nil {
		return err
	}
	defer pc.Close()

	raddr, err := net.ResolveUDPAddr("udp", o.cfg.UDPTarget)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", o.cfg.UDPTarget, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		pc.SetDeadline(deadline)
	}

	query, id := buildDNSQuery(o.cfg.ProbeDomain)
	if _, err := pc.WriteTo(query, raddr); err != nil {
		return fmt.Errorf("send probe: %w", err)
	}

	reply := make([]byte, 512)
	n, _, err := pc.ReadFrom(reply)
	if err != nil {
		return fmt.Errorf("await probe reply: %w", err)
	}
	if n < 2 || uint16(reply[0])<<8|uint16(reply[1]) != id {
		return fmt.Errorf("probe reply does not match query")
	}
	return nil
}

// measureLatency times a single lightweight round trip. -1 on any failure.
func (o *Orchestrator) measureLatency(ctx context.Context) int64 {
	client := o.httpClient(o.cfg.CheckTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, o.cfg.LatencyURL, nil)
	if err != nil {
		return -1
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return -1
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return -1
	}
	return time.Since(start).Milliseconds()
}

// measureDownload reads each probe resource for an even share of the window
// and aggregates the per-probe KB/s samples by median.
func (o *Orchestrator) measureDownload(ctx context.Context) (int64, error) {
	probeWindow := o.cfg.Window / time.Duration(len(o.cfg.DownloadURLs))
	client := o.httpClient(o.cfg.Window + 5*time.Second)

	var samples []int64
	var lastErr error
	for _, url := range o.cfg.DownloadURLs {
		kbps, err := o.downloadOne(ctx, client, url, probeWindow)
		if err != nil {
			lastErr = err
			continue
		}
		samples = append(samples, kbps)
	}
	if len(samples) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no download samples")
		}
		return -1, lastErr
	}
	return Median(samples), nil
}

func (o *Orchestrator) downloadOne(ctx context.Context, client *http.Client, url string, window time.Duration) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return -1, err
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return -1, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return -1, fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}

	var total int64
	buf := make([]byte, 128*1024)
	for time.Since(start) < window {
		n, err := resp.Body.Read(buf)
		total += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
	}
	elapsed := time.Since(start).Milliseconds()
	if elapsed == 0 {
		return -1, fmt.Errorf("download window elapsed to zero")
	}
	return total * 1000 / elapsed / 1024, nil
}

// measureUpload posts fixed-size chunks for the window, pausing briefly
// between requests to avoid saturating a single connection queue.
func (o *Orchestrator) measureUpload(ctx context.Context) (int64, error) {
	client := o.httpClient(o.cfg.Window + 5*time.Second)
	chunk := make([]byte, o.cfg.UploadChunk)
	crand.Read(chunk)
	body := string(chunk)

	start := time.Now()
	var total int64
	var lastErr error
	for time.Since(start) < o.cfg.Window {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		resp, err := client.Post(o.cfg.UploadURL, "application/octet-stream", strings.NewReader(body))
		if err != nil {
			lastErr = err
			break
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			lastErr = fmt.Errorf("%s returned %d", o.cfg.UploadURL, resp.StatusCode)
			break
		}
		total += int64(len(chunk))
		time.Sleep(o.cfg.UploadPause)
	}

	elapsed := time.Since(start).Milliseconds()
	if total == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no upload samples")
		}
		return -1, lastErr
	}
	if elapsed == 0 {
		return -1, fmt.Errorf("upload window elapsed to zero")
	}
	return total * 1000 / elapsed / 1024, nil
}

// httpClient builds a client whose connections go through the orchestrator's
// stream dialer, so probes measure the tunnel rather than the host network.
func (o *Orchestrator) httpClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return o.dialer.DialStream(ctx, addr)
			},
			DisableKeepAlives: true,
		},
		Timeout: timeout,
	}
}

// buildDNSQuery assembles a minimal A-record query and returns it with its
// transaction id.
func buildDNSQuery(domain string) ([]byte, uint16) {
	id := uint16(rand.Intn(1 << 16))
	q := []byte{
		byte(id >> 8), byte(id),
		0x01, 0x00, // recursion desired
		0x00, 0x01, // one question
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	for _, label := range strings.Split(strings.TrimSuffix(domain, "."), ".") {
		q = append(q, byte(len(label)))
		q = append(q, label...)
	}
	q = append(q, 0x00)       // root
	q = append(q, 0x00, 0x01) // QTYPE A
	q = append(q, 0x00, 0x01) // QCLASS IN
	return q, id
}
