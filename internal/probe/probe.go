package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/boxpilot/internal/model"
)

// Failure is the sentinel latency of any failed probe.
const Failure int64 = -1

const (
	DefaultTCPTimeout = 2 * time.Second
	DefaultURLTimeout = 5 * time.Second
	DefaultURL        = "http://www.gstatic.com/generate_204"
	DefaultTCPTarget  = "8.8.8.8:53"
	DefaultRetries    = 1
	DefaultRetryDelay = 500 * time.Millisecond
)

type Config struct {
	TCPTimeout time.Duration `yaml:"tcp_timeout"`
	URLTimeout time.Duration `yaml:"url_timeout"`
	// URL is fetched through the tunnel in tunneled_http mode.
	URL string `yaml:"url"`
	// TCPTarget is the CONNECT destination in tunneled_tcp mode.
	TCPTarget string `yaml:"tcp_target"`
	// Retries is the number of extra tunneled_http attempts after the first.
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

func (c Config) WithDefaults() Config {
	if c.TCPTimeout <= 0 {
		c.TCPTimeout = DefaultTCPTimeout
	}
	if c.URLTimeout <= 0 {
		c.URLTimeout = DefaultURLTimeout
	}
	if strings.TrimSpace(c.URL) == "" {
		c.URL = DefaultURL
	}
	if strings.TrimSpace(c.TCPTarget) == "" {
		c.TCPTarget = DefaultTCPTarget
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// Target is what gets probed. ProxyAddr is the "host:port" of the local HTTP
// proxy listener routed to this server; tunneled modes need it.
type Target struct {
	ServerID  string
	Host      string
	Port      int
	ProxyAddr string
}

type Result struct {
	Mode   model.ProbeMode
	Millis int64
	// Cancelled is set when ctx ended before a verdict; callers must not
	// record it as a failure.
	Cancelled bool
}

func (r Result) OK() bool { return r.Millis >= 0 && !r.Cancelled }

// Prober runs single probes. It is safe for concurrent use.
type Prober struct {
	cfg Config
	log logrus.FieldLogger
}

func New(cfg Config, log logrus.FieldLogger) *Prober {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Prober{cfg: cfg.WithDefaults(), log: log}
}

func (p *Prober) Config() Config { return p.cfg }

// Probe dispatches on mode. Unknown modes fail.
func (p *Prober) Probe(ctx context.Context, t Target, mode model.ProbeMode) Result {
	var ms int64
	switch mode {
	case model.ModeRawTCP:
		ms = p.RawTCP(ctx, t.Host, t.Port)
	case model.ModeTunneledTCP:
		ms = p.TunneledTCP(ctx, t.ProxyAddr, p.cfg.TCPTarget)
	case model.ModeTunneledHTTP:
		ms = p.TunneledHTTP(ctx, t.ProxyAddr, p.cfg.URL)
	default:
		ms = Failure
	}
	res := Result{Mode: mode, Millis: ms}
	// A stop mid-retry can still leave a partial best; it is not a sample.
	if ctx.Err() != nil {
		res.Cancelled = true
	}
	if !res.OK() {
		p.log.WithFields(logrus.Fields{"server": t.ServerID, "mode": mode, "cancelled": res.Cancelled}).Debug("probe failed")
	}
	return res
}

// RawTCP returns the TCP connect time to host:port in milliseconds.
func (p *Prober) RawTCP(ctx context.Context, host string, port int) int64 {
	if strings.TrimSpace(host) == "" || port < 1 || port > 65535 {
		return Failure
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TCPTimeout)
	defer cancel()

	var d net.Dialer
	t0 := time.Now()
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return Failure
	}
	ms := millisSince(t0)
	_ = conn.Close()
	return ms
}

var errBadStatusLine = errors.New("unexpected CONNECT status line")

// TunneledTCP measures an HTTP CONNECT handshake to target through the proxy
// at proxyAddr. Only a 2xx status line counts as success.
func (p *Prober) TunneledTCP(ctx context.Context, proxyAddr, target string) int64 {
	if strings.TrimSpace(proxyAddr) == "" || strings.TrimSpace(target) == "" {
		return Failure
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TCPTimeout)
	defer cancel()

	var d net.Dialer
	t0 := time.Now()
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return Failure
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Unblock reads if ctx is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	if _, err := io.WriteString(conn, req); err != nil {
		return Failure
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return Failure
	}
	if err := checkStatusLine(line); err != nil {
		return Failure
	}
	return millisSince(t0)
}

func checkStatusLine(line string) error {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "HTTP/") {
		return errBadStatusLine
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return errBadStatusLine
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 200 || code > 299 {
		return fmt.Errorf("%w: %q", errBadStatusLine, line)
	}
	return nil
}

// TunneledHTTP GETs rawURL through the proxy at proxyAddr, retrying
// cfg.Retries times with cfg.RetryDelay between attempts, and returns the
// fastest successful attempt.
func (p *Prober) TunneledHTTP(ctx context.Context, proxyAddr, rawURL string) int64 {
	if strings.TrimSpace(proxyAddr) == "" {
		return Failure
	}
	proxyURL, err := url.Parse("http://" + proxyAddr)
	if err != nil {
		return Failure
	}
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			DisableKeepAlives: true,
		},
		// Redirects would measure a second round trip.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	defer client.CloseIdleConnections()

	best := Failure
	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(p.cfg.RetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return best
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			return best
		}
		ms := p.httpAttempt(ctx, client, rawURL)
		if ms >= 0 && (best < 0 || ms < best) {
			best = ms
		}
	}
	return best
}

func (p *Prober) httpAttempt(ctx context.Context, client *http.Client, rawURL string) int64 {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.URLTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Failure
	}
	t0 := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Failure
	}
	ms := millisSince(t0)
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return Failure
	}
	return ms
}

func millisSince(t time.Time) int64 {
	return time.Since(t).Milliseconds()
}
