package model

// Policy is the process-wide settings snapshot shared read-only by one
// ranking or compile pass. Numeric and range knobs stay raw strings so a
// malformed value survives loading and is handled by the compiler.
type Policy struct {
	DNSServers    []string
	BypassDomains []string
	BypassIPs     []string
	CustomRules   []CustomRule

	Mux        MuxOptions
	Fragment   FragmentOptions
	TunnelMode bool
	Hysteria2  BandwidthOptions

	LogLevel  string
	LogOutput string
	Listeners Listeners
}

type MuxOptions struct {
	Enabled    bool
	Protocol   string // smux | h2mux | yamux; empty means h2mux
	MaxStreams string
	Padding    bool
}

type FragmentOptions struct {
	Enabled bool
	Size    string // "min-max"
	Sleep   string // "min-max"
}

type BandwidthOptions struct {
	UpMbps   string
	DownMbps string
}

type Listeners struct {
	SOCKSPort      int
	HTTPPort       int
	ControllerPort int
}

type RuleType string

const (
	RuleDomain  RuleType = "domain"
	RuleIP      RuleType = "ip"
	RuleProcess RuleType = "process"
	RuleGeosite RuleType = "geosite"
	RuleGeoIP   RuleType = "geoip"
)

// Well-known rule actions. Any other action names an outbound tag.
const (
	ActionProxy  = "proxy"
	ActionDirect = "direct"
	ActionBlock  = "block"
)

type CustomRule struct {
	Type   RuleType `json:"type" yaml:"type"`
	Value  string   `json:"value" yaml:"value"`
	Action string   `json:"action" yaml:"action"`
}
