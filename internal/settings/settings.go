package settings

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/boxpilot/internal/model"
	"github.com/John-Robertt/boxpilot/internal/monitor"
	"github.com/John-Robertt/boxpilot/internal/probe"
	"github.com/John-Robertt/boxpilot/internal/rules"
	"github.com/John-Robertt/boxpilot/internal/selector"
)

const stage = "parse_settings"

var (
	DefaultDNSServers    = []string{"1.1.1.1", "8.8.8.8"}
	DefaultBypassDomains = []string{"*.ir", "*.local"}
	DefaultBypassIPs     = []string{"192.168.0.0/16", "127.0.0.1"}
)

// Document is a parsed settings file: the compile policy plus the knobs of
// the measurement and selection loops.
type Document struct {
	Version int

	Policy model.Policy
	// RulesURL points at a remote rules text appended to Policy.CustomRules
	// by the caller after fetching.
	RulesURL string

	Monitor     monitor.Config
	Probe       probe.Config
	Selection   selector.Config
	Preferences selector.Preferences
}

type ParseError struct {
	AppError model.AppError
	Cause    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

type rawDocument struct {
	Version     int                  `yaml:"version"`
	Log         rawLog               `yaml:"log"`
	DNS         rawDNS               `yaml:"dns"`
	Bypass      rawBypass            `yaml:"bypass"`
	Rules       []model.CustomRule   `yaml:"rules"`
	RulesText   string               `yaml:"rules_text"`
	RulesURL    string               `yaml:"rules_url"`
	Mux         rawMux               `yaml:"mux"`
	Fragment    rawFragment          `yaml:"tls_fragment"`
	Tunnel      rawTunnel            `yaml:"tunnel"`
	Hysteria2   rawHysteria2         `yaml:"hysteria2"`
	Listeners   rawListeners         `yaml:"listeners"`
	Monitor     monitor.Config       `yaml:"monitor"`
	Probe       probe.Config         `yaml:"probe"`
	Selection   selector.Config      `yaml:"selection"`
	Preferences selector.Preferences `yaml:"preferences"`
}

type rawLog struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
}

type rawDNS struct {
	Servers []string `yaml:"servers"`
}

type rawBypass struct {
	Domains []string `yaml:"domains"`
	IPs     []string `yaml:"ips"`
}

type rawMux struct {
	Enabled    bool   `yaml:"enabled"`
	Protocol   string `yaml:"protocol"`
	MaxStreams string `yaml:"max_streams"`
	Padding    bool   `yaml:"padding"`
}

type rawFragment struct {
	Enabled bool   `yaml:"enabled"`
	Size    string `yaml:"size"`
	Sleep   string `yaml:"sleep"`
}

type rawTunnel struct {
	Enabled bool `yaml:"enabled"`
}

type rawHysteria2 struct {
	UpMbps   string `yaml:"up_mbps"`
	DownMbps string `yaml:"down_mbps"`
}

type rawListeners struct {
	SOCKSPort      int `yaml:"socks_port"`
	HTTPPort       int `yaml:"http_port"`
	ControllerPort int `yaml:"controller_port"`
}

// Default is the document used when no settings file is given.
func Default() *Document {
	return &Document{
		Version: 1,
		Policy: model.Policy{
			DNSServers:    append([]string(nil), DefaultDNSServers...),
			BypassDomains: append([]string(nil), DefaultBypassDomains...),
			BypassIPs:     append([]string(nil), DefaultBypassIPs...),
		},
	}
}

// ParsePolicyYAML parses and validates a settings document.
//
// Decoding is strict: unknown keys and multi-document input are rejected.
// Absent list sections get defaults; an explicit empty list stays empty.
// Numeric and range knobs (mux, tls_fragment, hysteria2) are kept verbatim;
// the compiler degrades them with diagnostics.
func ParsePolicyYAML(sourceURL string, content string) (*Document, error) {
	var rd rawDocument
	if err := yamlDecodeStrict(content, &rd); err != nil {
		return nil, &ParseError{
			AppError: model.AppError{
				Code:    "SETTINGS_PARSE_ERROR",
				Message: "settings YAML 解析失败",
				Stage:   stage,
				URL:     sourceURL,
				Snippet: truncateSnippet(content, 200),
			},
			Cause: err,
		}
	}

	invalid := func(msg, snippet, hint string, cause error) error {
		return &ParseError{
			AppError: model.AppError{
				Code:    "SETTINGS_VALIDATE_ERROR",
				Message: msg,
				Stage:   stage,
				URL:     sourceURL,
				Snippet: snippet,
				Hint:    hint,
			},
			Cause: cause,
		}
	}

	if rd.Version != 1 {
		return nil, invalid("settings version 必须为 1", "", "add: version: 1", nil)
	}

	if err := validateLogLevel(rd.Log.Level); err != nil {
		return nil, invalid("log.level 不合法", rd.Log.Level, "expected: trace|debug|info|warn|error|fatal|panic", err)
	}

	dns := orDefault(rd.DNS.Servers, DefaultDNSServers)
	for _, s := range dns {
		if strings.TrimSpace(s) == "" {
			return nil, invalid("dns.servers 不能包含空项", "", "", nil)
		}
	}

	bypassIPs := orDefault(rd.Bypass.IPs, DefaultBypassIPs)
	for _, ip := range bypassIPs {
		if err := validateBypassIP(ip); err != nil {
			return nil, invalid("bypass.ips 项不合法", ip, "expected: geoip:<code>, CIDR or IP address", err)
		}
	}
	bypassDomains := orDefault(rd.Bypass.Domains, DefaultBypassDomains)

	custom := make([]model.CustomRule, 0, len(rd.Rules))
	for i, r := range rd.Rules {
		nr, err := rules.NormalizeCustomRule(r)
		if err != nil {
			pe := &ParseError{
				AppError: model.AppError{
					Code:    "RULE_PARSE_ERROR",
					Message: fmt.Sprintf("rules[%d] 不合法", i),
					Stage:   stage,
					URL:     sourceURL,
					Snippet: fmt.Sprintf("%s,%s,%s", r.Type, r.Value, r.Action),
				},
				Cause: err,
			}
			var re *rules.RuleError
			if errors.As(err, &re) {
				pe.AppError.Code = re.Code
				pe.AppError.Message = fmt.Sprintf("rules[%d]: %s", i, re.Message)
				pe.AppError.Hint = re.Hint
				pe.Cause = re.Cause
			}
			return nil, pe
		}
		custom = append(custom, nr)
	}
	if strings.TrimSpace(rd.RulesText) != "" {
		parsed, err := rules.ParseRulesText(sourceURL, rd.RulesText, model.ActionProxy)
		if err != nil {
			var pe *rules.ParseError
			if errors.As(err, &pe) {
				app := pe.AppError
				app.Stage = stage
				return nil, &ParseError{AppError: app, Cause: pe.Cause}
			}
			return nil, invalid("rules_text 解析失败", "", "", err)
		}
		custom = append(custom, parsed...)
	}

	rulesURL := strings.TrimSpace(rd.RulesURL)
	if rulesURL != "" {
		if err := validateHTTPURL(rulesURL); err != nil {
			return nil, invalid("rules_url 不合法", rulesURL, "expected: http(s)://...", err)
		}
	}

	if err := validateListeners(rd.Listeners); err != nil {
		return nil, invalid("listeners 不合法", "", "ports must be 1-65535 and distinct", err)
	}

	if !rd.Selection.Weights.IsZero() {
		if err := rd.Selection.Weights.Validate(); err != nil {
			return nil, invalid("selection.weights 不合法", "", "", err)
		}
	}
	for _, h := range rd.Preferences.Hours {
		if h < 0 || h > 23 {
			return nil, invalid(fmt.Sprintf("preferences.hours 越界：%d", h), "", "expected: 0-23", nil)
		}
	}
	for _, c := range rd.Monitor.Checks {
		if c != monitor.CheckTCP && c != monitor.CheckURL {
			return nil, invalid(fmt.Sprintf("monitor.checks 不支持：%s", c), "", "expected: tcp|url", nil)
		}
	}

	return &Document{
		Version: rd.Version,
		Policy: model.Policy{
			DNSServers:    dns,
			BypassDomains: bypassDomains,
			BypassIPs:     bypassIPs,
			CustomRules:   custom,
			Mux: model.MuxOptions{
				Enabled:    rd.Mux.Enabled,
				Protocol:   strings.TrimSpace(rd.Mux.Protocol),
				MaxStreams: strings.TrimSpace(rd.Mux.MaxStreams),
				Padding:    rd.Mux.Padding,
			},
			Fragment: model.FragmentOptions{
				Enabled: rd.Fragment.Enabled,
				Size:    strings.TrimSpace(rd.Fragment.Size),
				Sleep:   strings.TrimSpace(rd.Fragment.Sleep),
			},
			TunnelMode: rd.Tunnel.Enabled,
			Hysteria2: model.BandwidthOptions{
				UpMbps:   strings.TrimSpace(rd.Hysteria2.UpMbps),
				DownMbps: strings.TrimSpace(rd.Hysteria2.DownMbps),
			},
			LogLevel:  strings.ToLower(strings.TrimSpace(rd.Log.Level)),
			LogOutput: strings.TrimSpace(rd.Log.Output),
			Listeners: model.Listeners{
				SOCKSPort:      rd.Listeners.SOCKSPort,
				HTTPPort:       rd.Listeners.HTTPPort,
				ControllerPort: rd.Listeners.ControllerPort,
			},
		},
		RulesURL:    rulesURL,
		Monitor:     rd.Monitor,
		Probe:       rd.Probe,
		Selection:   rd.Selection,
		Preferences: rd.Preferences,
	}, nil
}

func yamlDecodeStrict(content string, out any) error {
	dec := yaml.NewDecoder(strings.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return err
	}

	var extra any
	if err := dec.Decode(&extra); err == nil {
		return errors.New("multiple YAML documents are not allowed")
	} else if !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func orDefault(v, def []string) []string {
	if v == nil {
		return append([]string(nil), def...)
	}
	out := make([]string, 0, len(v))
	for _, s := range v {
		out = append(out, strings.TrimSpace(s))
	}
	return out
}

func validateLogLevel(s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "trace", "debug", "info", "warn", "error", "fatal", "panic":
		return nil
	default:
		return fmt.Errorf("unknown level %q", s)
	}
}

func validateBypassIP(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("empty entry")
	}
	if len(s) > len("geoip:") && strings.EqualFold(s[:len("geoip:")], "geoip:") {
		return nil
	}
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err
	}
	_, err := netip.ParseAddr(s)
	return err
}

func validateListeners(l rawListeners) error {
	seen := make(map[int]string, 3)
	for _, p := range []struct {
		name string
		port int
	}{
		{"socks_port", l.SOCKSPort},
		{"http_port", l.HTTPPort},
		{"controller_port", l.ControllerPort},
	} {
		if p.port == 0 {
			continue
		}
		if p.port < 1 || p.port > 65535 {
			return fmt.Errorf("%s out of range: %d", p.name, p.port)
		}
		if other, dup := seen[p.port]; dup {
			return fmt.Errorf("%s and %s share port %d", other, p.name, p.port)
		}
		seen[p.port] = p.name
	}
	return nil
}

func validateHTTPURL(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	if u == nil || !u.IsAbs() {
		return errors.New("url must be absolute")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http/https")
	}
	return nil
}

func truncateSnippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}
