package compiler

import (
	"fmt"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/John-Robertt/boxpilot/internal/model"
)

var defaultALPN = []string{"h2", "http/1.1"}

// buildOutbound projects one server into its protocol's outbound struct.
// The switch is exhaustive over model.ProtocolSettings; anything else is a
// structural error.
func buildOutbound(s model.Server, tag string, k knobs) (Outbound, error) {
	if s.Settings == nil {
		return nil, unknownProtocolError(s, string(s.Protocol))
	}
	if s.Settings.Protocol() != s.Protocol {
		return nil, compileError("PROTOCOL_MISMATCH",
			fmt.Sprintf("服务器 %s 的协议设置与协议标签不一致：%s != %s", serverLabel(s), s.Settings.Protocol(), s.Protocol),
			"", nil)
	}
	if err := requireEndpoint(s); err != nil {
		return nil, err
	}
	ep := ServerEndpoint{Server: s.Host, ServerPort: s.Port}

	switch st := s.Settings.(type) {
	case model.VLESS:
		if err := requireField(s, "uuid", st.UUID); err != nil {
			return nil, err
		}
		out := &VLESSOutbound{
			OutboundHeader: OutboundHeader{Type: "vless", Tag: tag},
			ServerEndpoint: ep,
			UUID:           st.UUID,
			Multiplex:      k.multiplex(),
		}
		if st.TLS != nil && st.TLS.Enabled {
			out.TLS = buildTLS(s, *st.TLS, defaultALPN, "", k.fragmentBlock())
		}
		// flow (xtls-rprx-vision) only works on raw TCP.
		if st.Flow != "" && !st.Transport.IsWebsocket() {
			out.Flow = st.Flow
		}
		if st.Transport.IsWebsocket() {
			out.Transport = buildWS(*st.Transport, sniOf(s, st.TLS))
		}
		return out, nil

	case model.VMess:
		if err := requireField(s, "uuid", st.UUID); err != nil {
			return nil, err
		}
		out := &VMessOutbound{
			OutboundHeader: OutboundHeader{Type: "vmess", Tag: tag},
			ServerEndpoint: ep,
			UUID:           st.UUID,
			Security:       defaultString(st.Security, "auto"),
			AlterID:        st.AlterID,
			Multiplex:      k.multiplex(),
		}
		if st.TLS != nil && st.TLS.Enabled {
			out.TLS = buildTLS(s, *st.TLS, nil, "", nil)
		}
		if st.Transport.IsWebsocket() {
			out.Transport = buildWS(*st.Transport, sniOf(s, st.TLS))
		}
		return out, nil

	case model.Shadowsocks:
		if err := requireField(s, "method", st.Method); err != nil {
			return nil, err
		}
		if err := requireField(s, "password", st.Password); err != nil {
			return nil, err
		}
		return &ShadowsocksOutbound{
			OutboundHeader: OutboundHeader{Type: "shadowsocks", Tag: tag},
			ServerEndpoint: ep,
			Method:         st.Method,
			Password:       st.Password,
			Multiplex:      k.multiplex(),
		}, nil

	case model.Trojan:
		if err := requireField(s, "password", st.Password); err != nil {
			return nil, err
		}
		tls := st.TLS
		tls.Enabled = true
		return &TrojanOutbound{
			OutboundHeader: OutboundHeader{Type: "trojan", Tag: tag},
			ServerEndpoint: ep,
			Password:       st.Password,
			TLS:            buildTLS(s, tls, nil, "", k.fragmentBlock()),
			Multiplex:      k.multiplex(),
		}, nil

	case model.TUIC:
		if err := requireField(s, "uuid", st.UUID); err != nil {
			return nil, err
		}
		if err := requireField(s, "password", st.Password); err != nil {
			return nil, err
		}
		tls := st.TLS
		tls.Enabled = true
		return &TUICOutbound{
			OutboundHeader:    OutboundHeader{Type: "tuic", Tag: tag},
			ServerEndpoint:    ep,
			UUID:              st.UUID,
			Password:          st.Password,
			CongestionControl: defaultString(st.CongestionControl, "bbr"),
			UDPRelayMode:      defaultString(st.UDPRelayMode, "native"),
			TLS:               buildTLS(s, tls, nil, "chrome", nil),
		}, nil

	case model.Hysteria2:
		if err := requireField(s, "password", st.Password); err != nil {
			return nil, err
		}
		tls := st.TLS
		tls.Enabled = true
		out := &Hysteria2Outbound{
			OutboundHeader: OutboundHeader{Type: "hysteria2", Tag: tag},
			ServerEndpoint: ep,
			Password:       st.Password,
			UpMbps:         k.upMbps,
			DownMbps:       k.downMbps,
			TLS:            buildTLS(s, tls, nil, "", nil),
		}
		if st.Obfs != "" && st.ObfsPassword != "" {
			out.Obfs = &Obfs{Type: st.Obfs, Password: st.ObfsPassword}
		}
		return out, nil

	case model.WireGuard:
		if err := requireKey(s, "private_key", st.PrivateKey, true); err != nil {
			return nil, err
		}
		if err := requireKey(s, "public_key", st.PeerPublicKey, true); err != nil {
			return nil, err
		}
		if err := requireKey(s, "pre_shared_key", st.PreSharedKey, false); err != nil {
			return nil, err
		}
		if len(st.LocalAddress) == 0 {
			return nil, missingFieldError(s, "local_address")
		}
		allowed := st.AllowedIPs
		if len(allowed) == 0 {
			allowed = []string{"0.0.0.0/0", "::/0"}
		}
		mtu := st.MTU
		if mtu <= 0 {
			mtu = 1420
		}
		return &WireGuardOutbound{
			OutboundHeader: OutboundHeader{Type: "wireguard", Tag: tag},
			LocalAddress:   append([]string(nil), st.LocalAddress...),
			PrivateKey:     st.PrivateKey,
			MTU:            mtu,
			Peers: []WireGuardPeer{{
				ServerEndpoint: ep,
				PublicKey:      st.PeerPublicKey,
				PreSharedKey:   st.PreSharedKey,
				AllowedIPs:     append([]string(nil), allowed...),
			}},
		}, nil

	case model.SSH:
		if err := requireField(s, "user", st.User); err != nil {
			return nil, err
		}
		return &SSHOutbound{
			OutboundHeader: OutboundHeader{Type: "ssh", Tag: tag},
			ServerEndpoint: ep,
			User:           st.User,
			Password:       st.Password,
		}, nil

	default:
		return nil, unknownProtocolError(s, fmt.Sprintf("%T", s.Settings))
	}
}

func buildTLS(s model.Server, opt model.TLSOptions, defALPN []string, defFingerprint string, frag *Fragment) *OutboundTLS {
	out := &OutboundTLS{
		Enabled:    true,
		ServerName: sniOf(s, &opt),
		Insecure:   opt.Insecure,
		Fragment:   frag,
	}
	switch {
	case len(opt.ALPN) > 0:
		out.ALPN = append([]string(nil), opt.ALPN...)
	case len(defALPN) > 0:
		out.ALPN = append([]string(nil), defALPN...)
	}
	if fp := defaultString(opt.Fingerprint, defFingerprint); fp != "" {
		out.UTLS = &UTLS{Enabled: true, Fingerprint: strings.TrimSpace(fp)}
	}
	return out
}

func buildWS(t model.Transport, fallbackHost string) *V2RayWS {
	host := defaultString(t.Host, fallbackHost)
	ws := &V2RayWS{Type: "ws", Path: defaultString(t.Path, "/")}
	if host != "" {
		ws.Headers = map[string]string{"Host": host}
	}
	return ws
}

func sniOf(s model.Server, tls *model.TLSOptions) string {
	if tls != nil && strings.TrimSpace(tls.ServerName) != "" {
		return strings.TrimSpace(tls.ServerName)
	}
	return s.Host
}

func (k knobs) multiplex() *Multiplex {
	if k.mux == nil {
		return nil
	}
	m := *k.mux
	return &m
}

func (k knobs) fragmentBlock() *Fragment {
	if k.fragment == nil {
		return nil
	}
	f := *k.fragment
	return &f
}

func requireEndpoint(s model.Server) error {
	if strings.TrimSpace(s.Host) == "" {
		return missingFieldError(s, "host")
	}
	if s.Port < 1 || s.Port > 65535 {
		return compileError("INVALID_FIELD",
			fmt.Sprintf("服务器 %s 的端口不合法：%d", serverLabel(s), s.Port),
			"expected: 1-65535", nil)
	}
	return nil
}

func requireField(s model.Server, name, value string) error {
	if strings.TrimSpace(value) == "" {
		return missingFieldError(s, name)
	}
	return nil
}

func requireKey(s model.Server, name, value string, required bool) error {
	if strings.TrimSpace(value) == "" {
		if required {
			return missingFieldError(s, name)
		}
		return nil
	}
	if _, err := wgtypes.ParseKey(value); err != nil {
		return compileError("INVALID_KEY",
			fmt.Sprintf("服务器 %s 的 %s 不是合法的 WireGuard 密钥", serverLabel(s), name),
			"expected: base64 encoded 32-byte key", err)
	}
	return nil
}

func serverLabel(s model.Server) string {
	if s.Name != "" {
		return s.Name
	}
	if s.ID != "" {
		return s.ID
	}
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
