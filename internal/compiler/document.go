package compiler

// Document is the compiled sing-box configuration. Field names and nesting
// follow the sing-box JSON schema; yaml tags mirror them for the YAML view.
type Document struct {
	Log          *LogOptions   `json:"log,omitempty" yaml:"log,omitempty"`
	Experimental *Experimental `json:"experimental,omitempty" yaml:"experimental,omitempty"`
	DNS          DNS           `json:"dns" yaml:"dns"`
	Inbounds     []Inbound     `json:"inbounds" yaml:"inbounds"`
	Outbounds    []Outbound    `json:"outbounds" yaml:"outbounds"`
	Route        Route         `json:"route" yaml:"route"`
}

type LogOptions struct {
	Level     string `json:"level,omitempty" yaml:"level,omitempty"`
	Output    string `json:"output,omitempty" yaml:"output,omitempty"`
	Timestamp bool   `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
}

type Experimental struct {
	CacheFile *CacheFile `json:"cache_file,omitempty" yaml:"cache_file,omitempty"`
	ClashAPI  *ClashAPI  `json:"clash_api,omitempty" yaml:"clash_api,omitempty"`
}

type CacheFile struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
	StoreFakeIP bool   `json:"store_fakeip,omitempty" yaml:"store_fakeip,omitempty"`
}

type ClashAPI struct {
	ExternalController string `json:"external_controller" yaml:"external_controller"`
}

type DNS struct {
	Servers  []DNSServer `json:"servers" yaml:"servers"`
	Rules    []DNSRule   `json:"rules,omitempty" yaml:"rules,omitempty"`
	Strategy string      `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Final    string      `json:"final,omitempty" yaml:"final,omitempty"`
}

type DNSServer struct {
	Tag     string `json:"tag" yaml:"tag"`
	Address string `json:"address" yaml:"address"`
}

type DNSRule struct {
	DomainSuffix []string `json:"domain_suffix,omitempty" yaml:"domain_suffix,omitempty"`
	Server       string   `json:"server" yaml:"server"`
}

type Inbound struct {
	Type       string `json:"type" yaml:"type"`
	Tag        string `json:"tag" yaml:"tag"`
	Listen     string `json:"listen,omitempty" yaml:"listen,omitempty"`
	ListenPort int    `json:"listen_port,omitempty" yaml:"listen_port,omitempty"`

	// tun only
	InterfaceName          string   `json:"interface_name,omitempty" yaml:"interface_name,omitempty"`
	Address                []string `json:"address,omitempty" yaml:"address,omitempty"`
	MTU                    int      `json:"mtu,omitempty" yaml:"mtu,omitempty"`
	AutoRoute              bool     `json:"auto_route,omitempty" yaml:"auto_route,omitempty"`
	StrictRoute            bool     `json:"strict_route,omitempty" yaml:"strict_route,omitempty"`
	EndpointIndependentNAT bool     `json:"endpoint_independent_nat,omitempty" yaml:"endpoint_independent_nat,omitempty"`
}

type Route struct {
	Rules   []RouteRule `json:"rules" yaml:"rules"`
	RuleSet []RuleSet   `json:"rule_set,omitempty" yaml:"rule_set,omitempty"`
	Final   string      `json:"final" yaml:"final"`
}

type RouteRule struct {
	Inbound      []string `json:"inbound,omitempty" yaml:"inbound,omitempty"`
	Protocol     []string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	DomainSuffix []string `json:"domain_suffix,omitempty" yaml:"domain_suffix,omitempty"`
	IPCIDR       []string `json:"ip_cidr,omitempty" yaml:"ip_cidr,omitempty"`
	IPIsPrivate  bool     `json:"ip_is_private,omitempty" yaml:"ip_is_private,omitempty"`
	ProcessName  []string `json:"process_name,omitempty" yaml:"process_name,omitempty"`
	RuleSet      []string `json:"rule_set,omitempty" yaml:"rule_set,omitempty"`

	Action   string `json:"action,omitempty" yaml:"action,omitempty"`
	Outbound string `json:"outbound,omitempty" yaml:"outbound,omitempty"`
}

type RuleSet struct {
	Tag            string `json:"tag" yaml:"tag"`
	Type           string `json:"type" yaml:"type"`
	Format         string `json:"format" yaml:"format"`
	URL            string `json:"url" yaml:"url"`
	DownloadDetour string `json:"download_detour" yaml:"download_detour"`
}
