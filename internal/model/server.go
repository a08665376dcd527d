package model

import "strings"

type Protocol string

const (
	ProtocolVLESS       Protocol = "vless"
	ProtocolVMess       Protocol = "vmess"
	ProtocolShadowsocks Protocol = "shadowsocks"
	ProtocolTrojan      Protocol = "trojan"
	ProtocolTUIC        Protocol = "tuic"
	ProtocolHysteria2   Protocol = "hysteria2"
	ProtocolWireGuard   Protocol = "wireguard"
	ProtocolSSH         Protocol = "ssh"
)

// Protocols lists every supported tunnel kind in a stable order.
var Protocols = []Protocol{
	ProtocolVLESS,
	ProtocolVMess,
	ProtocolShadowsocks,
	ProtocolTrojan,
	ProtocolTUIC,
	ProtocolHysteria2,
	ProtocolWireGuard,
	ProtocolSSH,
}

// ParseProtocol normalizes a protocol tag. "reality" is an alias of vless and
// "ss" of shadowsocks, as share links commonly use them.
func ParseProtocol(s string) (Protocol, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vless", "reality":
		return ProtocolVLESS, true
	case "vmess":
		return ProtocolVMess, true
	case "shadowsocks", "ss":
		return ProtocolShadowsocks, true
	case "trojan":
		return ProtocolTrojan, true
	case "tuic":
		return ProtocolTUIC, true
	case "hysteria2", "hy2":
		return ProtocolHysteria2, true
	case "wireguard", "wg":
		return ProtocolWireGuard, true
	case "ssh":
		return ProtocolSSH, true
	default:
		return "", false
	}
}

// Server is one candidate egress endpoint.
//
// Settings carries exactly one per-protocol struct; its concrete type always
// matches Protocol (enforced by catalog decoding and checked by the compiler).
type Server struct {
	ID       string
	Name     string
	Protocol Protocol
	Host     string
	Port     int

	Country  string
	Location *Location

	Settings ProtocolSettings
}

type Location struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Chain is an ordered multi-hop egress. Hops[0] is the externally visible
// egress; each hop is dialed through the next one.
type Chain struct {
	ID   string
	Name string
	Hops []string // server ids
}

// ProtocolSettings is implemented only by the per-protocol structs below.
type ProtocolSettings interface {
	Protocol() Protocol
	sealed()
}

type TLSOptions struct {
	Enabled     bool
	ServerName  string
	Insecure    bool
	Fingerprint string
	ALPN        []string
}

// Transport describes a websocket-style transport. Type is "ws" or empty.
type Transport struct {
	Type string
	Path string
	Host string
}

func (t *Transport) IsWebsocket() bool { return t != nil && t.Type == "ws" }

type VLESS struct {
	UUID      string
	Flow      string
	TLS       *TLSOptions
	Transport *Transport
}

type VMess struct {
	UUID      string
	Security  string
	AlterID   int
	TLS       *TLSOptions
	Transport *Transport
}

type Shadowsocks struct {
	Method   string
	Password string
}

type Trojan struct {
	Password string
	TLS      TLSOptions
}

type TUIC struct {
	UUID              string
	Password          string
	CongestionControl string
	UDPRelayMode      string
	TLS               TLSOptions
}

type Hysteria2 struct {
	Password     string
	Obfs         string
	ObfsPassword string
	TLS          TLSOptions
}

type WireGuard struct {
	PrivateKey    string
	PeerPublicKey string
	PreSharedKey  string
	LocalAddress  []string
	AllowedIPs    []string
	MTU           int
}

type SSH struct {
	User     string
	Password string
}

func (VLESS) Protocol() Protocol       { return ProtocolVLESS }
func (VMess) Protocol() Protocol       { return ProtocolVMess }
func (Shadowsocks) Protocol() Protocol { return ProtocolShadowsocks }
func (Trojan) Protocol() Protocol      { return ProtocolTrojan }
func (TUIC) Protocol() Protocol        { return ProtocolTUIC }
func (Hysteria2) Protocol() Protocol   { return ProtocolHysteria2 }
func (WireGuard) Protocol() Protocol   { return ProtocolWireGuard }
func (SSH) Protocol() Protocol         { return ProtocolSSH }

func (VLESS) sealed()       {}
func (VMess) sealed()       {}
func (Shadowsocks) sealed() {}
func (Trojan) sealed()      {}
func (TUIC) sealed()        {}
func (Hysteria2) sealed()   {}
func (WireGuard) sealed()   {}
func (SSH) sealed()         {}
