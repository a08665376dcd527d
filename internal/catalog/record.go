package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/John-Robertt/boxpilot/internal/model"
)

// Record is the flat, share-link style descriptor stored in catalogs. Only
// the fields of its protocol are read by Decode.
type Record struct {
	ID       string          `json:"id,omitempty" yaml:"id"`
	Name     string          `json:"name,omitempty" yaml:"name"`
	Protocol string          `json:"protocol" yaml:"protocol"`
	Server   string          `json:"server" yaml:"server"`
	Port     int             `json:"port" yaml:"port"`
	Country  string          `json:"country,omitempty" yaml:"country"`
	Location *model.Location `json:"location,omitempty" yaml:"location"`

	// TLS
	TLSEnabled  bool     `json:"tls_enabled,omitempty" yaml:"tls_enabled"`
	SNI         string   `json:"sni,omitempty" yaml:"sni"`
	Insecure    bool     `json:"insecure,omitempty" yaml:"insecure"`
	Fingerprint string   `json:"fp,omitempty" yaml:"fp"`
	ALPN        []string `json:"alpn,omitempty" yaml:"alpn"`

	// websocket transport
	Transport string `json:"transport,omitempty" yaml:"transport"`
	WSPath    string `json:"ws_path,omitempty" yaml:"ws_path"`
	WSHost    string `json:"ws_host,omitempty" yaml:"ws_host"`

	UUID     string `json:"uuid,omitempty" yaml:"uuid"`
	Flow     string `json:"flow,omitempty" yaml:"flow"`
	Security string `json:"security,omitempty" yaml:"security"`
	AlterID  int    `json:"alter_id,omitempty" yaml:"alter_id"`

	Method   string `json:"method,omitempty" yaml:"method"`
	Password string `json:"password,omitempty" yaml:"password"`
	User     string `json:"user,omitempty" yaml:"user"`

	CongestionControl string `json:"congestion_control,omitempty" yaml:"congestion_control"`
	UDPRelayMode      string `json:"udp_relay_mode,omitempty" yaml:"udp_relay_mode"`

	Obfs         string `json:"obfs,omitempty" yaml:"obfs"`
	ObfsPassword string `json:"obfs_password,omitempty" yaml:"obfs_password"`

	PrivateKey   string   `json:"private_key,omitempty" yaml:"private_key"`
	PublicKey    string   `json:"public_key,omitempty" yaml:"public_key"`
	PreSharedKey string   `json:"preshared_key,omitempty" yaml:"preshared_key"`
	LocalAddress []string `json:"local_address,omitempty" yaml:"local_address"`
	AllowedIPs   []string `json:"allowed_ips,omitempty" yaml:"allowed_ips"`
	MTU          int      `json:"mtu,omitempty" yaml:"mtu"`
}

// ChainRecord names an ordered list of server ids.
type ChainRecord struct {
	ID    string   `json:"id,omitempty" yaml:"id"`
	Name  string   `json:"name" yaml:"name"`
	Nodes []string `json:"nodes" yaml:"nodes"`
}

// StableID derives a deterministic id from the identifying fields of a
// record, so an id-less catalog yields the same ids on every load.
func StableID(name, host string, port int) string {
	key := strings.Join([]string{name, host, strconv.Itoa(port)}, "|")
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

// Decode converts the record into a typed server.
func (r Record) Decode() (model.Server, error) {
	proto, ok := model.ParseProtocol(r.Protocol)
	if !ok {
		return model.Server{}, &RecordError{Code: "UNKNOWN_PROTOCOL", Message: fmt.Sprintf("不支持的协议：%s", r.Protocol)}
	}
	host := strings.TrimSpace(r.Server)
	if host == "" {
		return model.Server{}, &RecordError{Code: "MISSING_FIELD", Message: "server 不能为空"}
	}
	if r.Port < 1 || r.Port > 65535 {
		return model.Server{}, &RecordError{Code: "INVALID_FIELD", Message: fmt.Sprintf("port 不合法：%d", r.Port)}
	}

	id := strings.TrimSpace(r.ID)
	if id == "" {
		id = StableID(r.Name, host, r.Port)
	}
	s := model.Server{
		ID:       id,
		Name:     strings.TrimSpace(r.Name),
		Protocol: proto,
		Host:     host,
		Port:     r.Port,
		Country:  strings.TrimSpace(r.Country),
		Location: r.Location,
	}

	tls := model.TLSOptions{
		Enabled:     r.TLSEnabled,
		ServerName:  strings.TrimSpace(r.SNI),
		Insecure:    r.Insecure,
		Fingerprint: strings.TrimSpace(r.Fingerprint),
		ALPN:        trimAll(r.ALPN),
	}

	switch proto {
	case model.ProtocolVLESS:
		v := model.VLESS{UUID: r.UUID, Flow: r.Flow, Transport: r.transport()}
		// reality links always carry TLS
		if r.TLSEnabled || strings.EqualFold(strings.TrimSpace(r.Protocol), "reality") {
			tls.Enabled = true
			v.TLS = &tls
		}
		s.Settings = v
	case model.ProtocolVMess:
		v := model.VMess{UUID: r.UUID, Security: r.Security, AlterID: r.AlterID, Transport: r.transport()}
		if r.TLSEnabled {
			v.TLS = &tls
		}
		s.Settings = v
	case model.ProtocolShadowsocks:
		s.Settings = model.Shadowsocks{Method: r.Method, Password: r.Password}
	case model.ProtocolTrojan:
		s.Settings = model.Trojan{Password: r.Password, TLS: tls}
	case model.ProtocolTUIC:
		s.Settings = model.TUIC{
			UUID:              r.UUID,
			Password:          r.Password,
			CongestionControl: r.CongestionControl,
			UDPRelayMode:      r.UDPRelayMode,
			TLS:               tls,
		}
	case model.ProtocolHysteria2:
		s.Settings = model.Hysteria2{Password: r.Password, Obfs: r.Obfs, ObfsPassword: r.ObfsPassword, TLS: tls}
	case model.ProtocolWireGuard:
		s.Settings = model.WireGuard{
			PrivateKey:    strings.TrimSpace(r.PrivateKey),
			PeerPublicKey: strings.TrimSpace(r.PublicKey),
			PreSharedKey:  strings.TrimSpace(r.PreSharedKey),
			LocalAddress:  splitEach(r.LocalAddress),
			AllowedIPs:    splitEach(r.AllowedIPs),
			MTU:           r.MTU,
		}
	case model.ProtocolSSH:
		s.Settings = model.SSH{User: r.User, Password: r.Password}
	}
	return s, nil
}

func (r Record) transport() *model.Transport {
	if !strings.EqualFold(strings.TrimSpace(r.Transport), "ws") {
		return nil
	}
	return &model.Transport{Type: "ws", Path: strings.TrimSpace(r.WSPath), Host: strings.TrimSpace(r.WSHost)}
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// splitEach accepts both list entries and comma separated entries, as
// WireGuard configs write "AllowedIPs = 0.0.0.0/0, ::/0".
func splitEach(in []string) []string {
	var out []string
	for _, s := range in {
		out = append(out, trimAll(strings.Split(s, ","))...)
	}
	return out
}
