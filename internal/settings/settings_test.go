package settings

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/boxpilot/internal/model"
	"github.com/John-Robertt/boxpilot/internal/monitor"
)

func TestParsePolicyYAML_Full(t *testing.T) {
	yml := `
version: 1
log:
  level: DEBUG
  output: /var/log/box.log
dns:
  servers: ["9.9.9.9"]
bypass:
  domains: ["*.ir", "domain:geosite:category-ir"]
  ips: ["geoip:private", "geoip:ir", "10.0.0.0/8"]
rules:
  - {type: domain, value: example.com, action: direct}
  - {type: GEOSITE, value: Netflix, action: proxy}
rules_text: |
  # comment
  DOMAIN-SUFFIX,ads.example,block
  PROCESS-NAME,curl
rules_url: https://example.com/rules.txt
mux:
  enabled: true
  protocol: smux
  max_streams: 16
  padding: true
tls_fragment:
  enabled: true
  size: 10-30
  sleep: 1-5
tunnel:
  enabled: true
hysteria2:
  up_mbps: 20
  down_mbps: abc
listeners:
  socks_port: 2080
  http_port: 2081
monitor:
  interval: 15s
  alpha: 0.5
  checks: [tcp]
probe:
  url_timeout: 3s
selection:
  retention: 240h
  weights: {latency: 1, uptime: 1}
preferences:
  countries: [DE]
  hours: [1, 2]
`
	doc, err := ParsePolicyYAML("file:///etc/boxpilot.yaml", yml)
	require.NoError(t, err)

	p := doc.Policy
	assert.Equal(t, []string{"9.9.9.9"}, p.DNSServers)
	assert.Equal(t, []string{"*.ir", "domain:geosite:category-ir"}, p.BypassDomains)
	assert.Equal(t, []string{"geoip:private", "geoip:ir", "10.0.0.0/8"}, p.BypassIPs)
	assert.Equal(t, "debug", p.LogLevel)
	assert.Equal(t, "/var/log/box.log", p.LogOutput)
	assert.True(t, p.TunnelMode)
	assert.Equal(t, model.MuxOptions{Enabled: true, Protocol: "smux", MaxStreams: "16", Padding: true}, p.Mux)
	assert.Equal(t, model.FragmentOptions{Enabled: true, Size: "10-30", Sleep: "1-5"}, p.Fragment)
	assert.Equal(t, model.BandwidthOptions{UpMbps: "20", DownMbps: "abc"}, p.Hysteria2, "raw values are kept for the compiler")
	assert.Equal(t, 2080, p.Listeners.SOCKSPort)

	require.Len(t, p.CustomRules, 4)
	assert.Equal(t, model.CustomRule{Type: model.RuleDomain, Value: "example.com", Action: "direct"}, p.CustomRules[0])
	assert.Equal(t, model.RuleGeosite, p.CustomRules[1].Type)
	assert.Equal(t, "netflix", p.CustomRules[1].Value)
	assert.Equal(t, "block", p.CustomRules[2].Action)
	assert.Equal(t, model.CustomRule{Type: model.RuleProcess, Value: "curl", Action: model.ActionProxy}, p.CustomRules[3])

	assert.Equal(t, "https://example.com/rules.txt", doc.RulesURL)
	assert.Equal(t, 15*time.Second, doc.Monitor.Interval)
	assert.Equal(t, []monitor.Check{monitor.CheckTCP}, doc.Monitor.Checks)
	assert.Equal(t, 3*time.Second, doc.Probe.URLTimeout)
	assert.Equal(t, 240*time.Hour, doc.Selection.Retention)
	assert.Equal(t, 1.0, doc.Selection.Weights.Latency)
	assert.Equal(t, []string{"DE"}, doc.Preferences.Countries)
}

func TestParsePolicyYAML_Defaults(t *testing.T) {
	doc, err := ParsePolicyYAML("", "version: 1\n")
	require.NoError(t, err)
	assert.Equal(t, DefaultDNSServers, doc.Policy.DNSServers)
	assert.Equal(t, DefaultBypassDomains, doc.Policy.BypassDomains)
	assert.Equal(t, DefaultBypassIPs, doc.Policy.BypassIPs)
	assert.False(t, doc.Policy.TunnelMode)
	assert.Empty(t, doc.Policy.CustomRules)

	def := Default()
	assert.Equal(t, def.Policy.DNSServers, doc.Policy.DNSServers)
}

func TestParsePolicyYAML_ExplicitEmptyListStaysEmpty(t *testing.T) {
	doc, err := ParsePolicyYAML("", "version: 1\nbypass:\n  domains: []\n")
	require.NoError(t, err)
	assert.Empty(t, doc.Policy.BypassDomains)
	assert.Equal(t, DefaultBypassIPs, doc.Policy.BypassIPs)
}

func TestParsePolicyYAML_DefaultsNotShared(t *testing.T) {
	doc, err := ParsePolicyYAML("", "version: 1\n")
	require.NoError(t, err)
	doc.Policy.DNSServers[0] = "mutated"
	assert.Equal(t, "1.1.1.1", DefaultDNSServers[0])
}

func TestParsePolicyYAML_Errors(t *testing.T) {
	cases := []struct {
		name string
		yml  string
		code string
	}{
		{"unknown field", "version: 1\nunknown: 1\n", "SETTINGS_PARSE_ERROR"},
		{"multi document", "version: 1\n---\nversion: 1\n", "SETTINGS_PARSE_ERROR"},
		{"bad version", "version: 2\n", "SETTINGS_VALIDATE_ERROR"},
		{"missing version", "dns:\n  servers: [1.1.1.1]\n", "SETTINGS_VALIDATE_ERROR"},
		{"bad log level", "version: 1\nlog:\n  level: loud\n", "SETTINGS_VALIDATE_ERROR"},
		{"bad bypass ip", "version: 1\nbypass:\n  ips: [not-an-ip]\n", "SETTINGS_VALIDATE_ERROR"},
		{"empty dns", "version: 1\ndns:\n  servers: [\"\"]\n", "SETTINGS_VALIDATE_ERROR"},
		{"bad rule type", "version: 1\nrules:\n  - {type: url-regex, value: x, action: proxy}\n", "UNSUPPORTED_RULE_TYPE"},
		{"bad rules_text", "version: 1\nrules_text: \"IP-CIDR,300.0.0.0/8,direct\"\n", "RULE_PARSE_ERROR"},
		{"bad rules_url", "version: 1\nrules_url: ftp://x/rules\n", "SETTINGS_VALIDATE_ERROR"},
		{"port clash", "version: 1\nlisteners:\n  socks_port: 1080\n  http_port: 1080\n", "SETTINGS_VALIDATE_ERROR"},
		{"port range", "version: 1\nlisteners:\n  controller_port: 70000\n", "SETTINGS_VALIDATE_ERROR"},
		{"bad weights", "version: 1\nselection:\n  weights: {latency: -1, uptime: 1}\n", "SETTINGS_VALIDATE_ERROR"},
		{"bad hour", "version: 1\npreferences:\n  hours: [24]\n", "SETTINGS_VALIDATE_ERROR"},
		{"bad check", "version: 1\nmonitor:\n  checks: [icmp]\n", "SETTINGS_VALIDATE_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePolicyYAML("https://example.com/settings.yaml", tc.yml)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ParseError, got %T: %v", err, err)
			}
			if pe.AppError.Code != tc.code {
				t.Fatalf("code=%q, want=%q (%v)", pe.AppError.Code, tc.code, err)
			}
			if pe.AppError.Stage != "parse_settings" {
				t.Fatalf("stage=%q, want=parse_settings", pe.AppError.Stage)
			}
		})
	}
}

func TestParsePolicyYAML_RulesTextLineNumber(t *testing.T) {
	_, err := ParsePolicyYAML("", "version: 1\nrules_text: |\n  DOMAIN,ok.example,direct\n  NOPE,x,direct\n")
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 2, pe.AppError.Line)
}
