package compiler

// Outbound is one egress entry of the document. Each protocol has its own
// struct so an outbound can only ever carry the fields its protocol accepts.
type Outbound interface {
	OutboundType() string
	OutboundTag() string
	setDetour(tag string)
}

// OutboundHeader holds the fields every outbound shares.
type OutboundHeader struct {
	Type   string `json:"type" yaml:"type"`
	Tag    string `json:"tag" yaml:"tag"`
	Detour string `json:"detour,omitempty" yaml:"detour,omitempty"`
}

func (h *OutboundHeader) OutboundType() string { return h.Type }
func (h *OutboundHeader) OutboundTag() string  { return h.Tag }
func (h *OutboundHeader) setDetour(tag string) { h.Detour = tag }

type ServerEndpoint struct {
	Server     string `json:"server" yaml:"server"`
	ServerPort int    `json:"server_port" yaml:"server_port"`
}

type DirectOutbound struct {
	OutboundHeader `yaml:",inline"`
}

type VLESSOutbound struct {
	OutboundHeader `yaml:",inline"`
	ServerEndpoint `yaml:",inline"`
	UUID           string       `json:"uuid" yaml:"uuid"`
	Flow           string       `json:"flow,omitempty" yaml:"flow,omitempty"`
	TLS            *OutboundTLS `json:"tls,omitempty" yaml:"tls,omitempty"`
	Transport      *V2RayWS     `json:"transport,omitempty" yaml:"transport,omitempty"`
	Multiplex      *Multiplex   `json:"multiplex,omitempty" yaml:"multiplex,omitempty"`
}

type VMessOutbound struct {
	OutboundHeader `yaml:",inline"`
	ServerEndpoint `yaml:",inline"`
	UUID           string       `json:"uuid" yaml:"uuid"`
	Security       string       `json:"security" yaml:"security"`
	AlterID        int          `json:"alter_id,omitempty" yaml:"alter_id,omitempty"`
	TLS            *OutboundTLS `json:"tls,omitempty" yaml:"tls,omitempty"`
	Transport      *V2RayWS     `json:"transport,omitempty" yaml:"transport,omitempty"`
	Multiplex      *Multiplex   `json:"multiplex,omitempty" yaml:"multiplex,omitempty"`
}

type ShadowsocksOutbound struct {
	OutboundHeader `yaml:",inline"`
	ServerEndpoint `yaml:",inline"`
	Method         string     `json:"method" yaml:"method"`
	Password       string     `json:"password" yaml:"password"`
	Multiplex      *Multiplex `json:"multiplex,omitempty" yaml:"multiplex,omitempty"`
}

type TrojanOutbound struct {
	OutboundHeader `yaml:",inline"`
	ServerEndpoint `yaml:",inline"`
	Password       string       `json:"password" yaml:"password"`
	TLS            *OutboundTLS `json:"tls" yaml:"tls"`
	Multiplex      *Multiplex   `json:"multiplex,omitempty" yaml:"multiplex,omitempty"`
}

// TUICOutbound never carries a multiplex block: TUIC multiplexes over QUIC itself.
type TUICOutbound struct {
	OutboundHeader    `yaml:",inline"`
	ServerEndpoint    `yaml:",inline"`
	UUID              string       `json:"uuid" yaml:"uuid"`
	Password          string       `json:"password" yaml:"password"`
	CongestionControl string       `json:"congestion_control" yaml:"congestion_control"`
	UDPRelayMode      string       `json:"udp_relay_mode" yaml:"udp_relay_mode"`
	TLS               *OutboundTLS `json:"tls" yaml:"tls"`
}

type Hysteria2Outbound struct {
	OutboundHeader `yaml:",inline"`
	ServerEndpoint `yaml:",inline"`
	Password       string       `json:"password" yaml:"password"`
	UpMbps         int          `json:"up_mbps" yaml:"up_mbps"`
	DownMbps       int          `json:"down_mbps" yaml:"down_mbps"`
	Obfs           *Obfs        `json:"obfs,omitempty" yaml:"obfs,omitempty"`
	TLS            *OutboundTLS `json:"tls" yaml:"tls"`
}

type Obfs struct {
	Type     string `json:"type" yaml:"type"`
	Password string `json:"password" yaml:"password"`
}

// WireGuardOutbound has no top-level server/port; the endpoint lives in Peers.
type WireGuardOutbound struct {
	OutboundHeader `yaml:",inline"`
	LocalAddress   []string        `json:"local_address" yaml:"local_address"`
	PrivateKey     string          `json:"private_key" yaml:"private_key"`
	MTU            int             `json:"mtu" yaml:"mtu"`
	Peers          []WireGuardPeer `json:"peers" yaml:"peers"`
}

type WireGuardPeer struct {
	ServerEndpoint `yaml:",inline"`
	PublicKey      string   `json:"public_key" yaml:"public_key"`
	PreSharedKey   string   `json:"pre_shared_key,omitempty" yaml:"pre_shared_key,omitempty"`
	AllowedIPs     []string `json:"allowed_ips" yaml:"allowed_ips"`
}

type SSHOutbound struct {
	OutboundHeader `yaml:",inline"`
	ServerEndpoint `yaml:",inline"`
	User           string `json:"user" yaml:"user"`
	Password       string `json:"password,omitempty" yaml:"password,omitempty"`
}

type OutboundTLS struct {
	Enabled    bool      `json:"enabled" yaml:"enabled"`
	ServerName string    `json:"server_name,omitempty" yaml:"server_name,omitempty"`
	Insecure   bool      `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	ALPN       []string  `json:"alpn,omitempty" yaml:"alpn,omitempty"`
	UTLS       *UTLS     `json:"utls,omitempty" yaml:"utls,omitempty"`
	Fragment   *Fragment `json:"fragment,omitempty" yaml:"fragment,omitempty"`
}

type UTLS struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Fingerprint string `json:"fingerprint" yaml:"fingerprint"`
}

type Fragment struct {
	Size  [2]int `json:"size" yaml:"size,flow"`
	Sleep [2]int `json:"sleep" yaml:"sleep,flow"`
}

type V2RayWS struct {
	Type    string            `json:"type" yaml:"type"`
	Path    string            `json:"path" yaml:"path"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

type Multiplex struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Protocol   string `json:"protocol" yaml:"protocol"`
	MaxStreams int    `json:"max_streams" yaml:"max_streams"`
	Padding    bool   `json:"padding" yaml:"padding"`
}
