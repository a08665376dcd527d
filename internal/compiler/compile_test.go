package compiler

import (
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/John-Robertt/boxpilot/internal/model"
)

func defaultPolicy() model.Policy {
	return model.Policy{
		DNSServers:    []string{"1.1.1.1", "8.8.8.8"},
		BypassDomains: []string{"*.ir", "*.local"},
		BypassIPs:     []string{"192.168.0.0/16", "127.0.0.1"},
	}
}

func vlessServer(id, host string) model.Server {
	return model.Server{
		ID:       id,
		Name:     id,
		Protocol: model.ProtocolVLESS,
		Host:     host,
		Port:     443,
		Settings: model.VLESS{UUID: "b831381d-6324-4d53-ad4f-8cda48b30811"},
	}
}

func minimalServers(t *testing.T) map[model.Protocol]model.Server {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)

	base := func(p model.Protocol, st model.ProtocolSettings) model.Server {
		return model.Server{ID: string(p), Protocol: p, Host: "example.com", Port: 8443, Settings: st}
	}
	return map[model.Protocol]model.Server{
		model.ProtocolVLESS:       base(model.ProtocolVLESS, model.VLESS{UUID: "u"}),
		model.ProtocolVMess:       base(model.ProtocolVMess, model.VMess{UUID: "u"}),
		model.ProtocolShadowsocks: base(model.ProtocolShadowsocks, model.Shadowsocks{Method: "aes-128-gcm", Password: "p"}),
		model.ProtocolTrojan:      base(model.ProtocolTrojan, model.Trojan{Password: "p"}),
		model.ProtocolTUIC:        base(model.ProtocolTUIC, model.TUIC{UUID: "u", Password: "p"}),
		model.ProtocolHysteria2:   base(model.ProtocolHysteria2, model.Hysteria2{Password: "p"}),
		model.ProtocolWireGuard: base(model.ProtocolWireGuard, model.WireGuard{
			PrivateKey:    priv.String(),
			PeerPublicKey: priv.PublicKey().String(),
			LocalAddress:  []string{"10.0.0.2/32"},
		}),
		model.ProtocolSSH: base(model.ProtocolSSH, model.SSH{User: "root"}),
	}
}

func outboundMap(t *testing.T, ob Outbound) map[string]any {
	t.Helper()
	b, err := json.Marshal(ob)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func keysOf(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestCompile_MinimalDescriptorPerProtocol(t *testing.T) {
	want := map[model.Protocol][]string{
		model.ProtocolVLESS:       {"server", "server_port", "tag", "type", "uuid"},
		model.ProtocolVMess:       {"security", "server", "server_port", "tag", "type", "uuid"},
		model.ProtocolShadowsocks: {"method", "password", "server", "server_port", "tag", "type"},
		model.ProtocolTrojan:      {"password", "server", "server_port", "tag", "tls", "type"},
		model.ProtocolTUIC:        {"congestion_control", "password", "server", "server_port", "tag", "tls", "type", "udp_relay_mode", "uuid"},
		model.ProtocolHysteria2:   {"down_mbps", "password", "server", "server_port", "tag", "tls", "type", "up_mbps"},
		model.ProtocolWireGuard:   {"local_address", "mtu", "peers", "private_key", "tag", "type"},
		model.ProtocolSSH:         {"server", "server_port", "tag", "type", "user"},
	}

	servers := minimalServers(t)
	require.Len(t, servers, len(model.Protocols))
	for _, p := range model.Protocols {
		t.Run(string(p), func(t *testing.T) {
			res, err := Compile(Single(servers[p]), defaultPolicy())
			require.NoError(t, err)
			require.Len(t, res.Document.Outbounds, 2)

			m := outboundMap(t, res.Document.Outbounds[1])
			assert.Equal(t, want[p], keysOf(m))
			assert.Equal(t, string(p), m["type"])
			assert.Equal(t, TagProxy, m["tag"])
		})
	}
}

func TestCompile_MuxNeverOnIneligibleProtocols(t *testing.T) {
	pol := defaultPolicy()
	pol.Mux = model.MuxOptions{Enabled: true, MaxStreams: "4"}

	servers := minimalServers(t)
	eligible := map[model.Protocol]bool{
		model.ProtocolVLESS:       true,
		model.ProtocolVMess:       true,
		model.ProtocolShadowsocks: true,
		model.ProtocolTrojan:      true,
	}
	for _, p := range model.Protocols {
		res, err := Compile(Single(servers[p]), pol)
		require.NoError(t, err)
		m := outboundMap(t, res.Document.Outbounds[1])
		_, has := m["multiplex"]
		assert.Equal(t, eligible[p], has, "protocol %s", p)
		if has {
			assert.Equal(t, map[string]any{"enabled": true, "protocol": "h2mux", "max_streams": float64(4), "padding": false}, m["multiplex"])
		}
	}
}

func TestCompile_MuxMaxStreamsClamped(t *testing.T) {
	tests := []struct {
		raw  string
		want int
		diag bool
	}{
		{"", 8, false},
		{"16", 16, false},
		{"abc", 8, true},
		{"0", 8, true},
		{"-3", 8, true},
		{"1000", 128, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			pol := defaultPolicy()
			pol.Mux = model.MuxOptions{Enabled: true, Protocol: "smux", MaxStreams: tt.raw}
			res, err := Compile(Single(vlessServer("a", "a.example.com")), pol)
			require.NoError(t, err)

			ob := res.Document.Outbounds[1].(*VLESSOutbound)
			require.NotNil(t, ob.Multiplex)
			assert.Equal(t, tt.want, ob.Multiplex.MaxStreams)
			assert.Equal(t, "smux", ob.Multiplex.Protocol)
			assert.Equal(t, tt.diag, hasDiag(res.Diagnostics, "INVALID_MUX_MAX_STREAMS"))
		})
	}
}

func TestCompile_ChainWiring(t *testing.T) {
	hops := []model.Server{
		vlessServer("a", "a.example.com"),
		vlessServer("b", "b.example.com"),
		vlessServer("c", "c.example.com"),
		vlessServer("d", "d.example.com"),
	}
	res, err := Compile(ChainOf(hops...), defaultPolicy())
	require.NoError(t, err)

	obs := res.Document.Outbounds
	require.Len(t, obs, 1+len(hops))
	assert.Equal(t, TagDirect, obs[0].OutboundTag())

	chain := obs[1:]
	assert.Equal(t, TagProxy, chain[0].OutboundTag())
	for i := range chain {
		m := outboundMap(t, chain[i])
		if i > 0 {
			assert.Equal(t, "chain-node-"+string(rune('0'+i)), m["tag"])
		}
		if i < len(chain)-1 {
			assert.Equal(t, chain[i+1].OutboundTag(), m["detour"], "hop %d", i)
		} else {
			_, has := m["detour"]
			assert.False(t, has, "last hop must not carry a detour")
		}
		assert.Equal(t, hops[i].Host, m["server"])
	}
	assert.Equal(t, TagProxy, res.Document.Route.Final)
}

func TestCompile_StructuralErrors(t *testing.T) {
	tests := []struct {
		name string
		sel  Selection
		code string
	}{
		{"empty", Selection{}, "EMPTY_SELECTION"},
		{"chain of one", ChainOf(vlessServer("a", "a.example.com")), "CHAIN_TOO_SHORT"},
		{"unknown protocol", Single(model.Server{ID: "x", Protocol: "socks9", Host: "h", Port: 1}), "UNKNOWN_PROTOCOL"},
		{"mismatch", Single(model.Server{ID: "x", Protocol: model.ProtocolVMess, Host: "h", Port: 1, Settings: model.VLESS{UUID: "u"}}), "PROTOCOL_MISMATCH"},
		{"missing uuid", Single(model.Server{ID: "x", Protocol: model.ProtocolVLESS, Host: "h", Port: 1, Settings: model.VLESS{}}), "MISSING_FIELD"},
		{"missing host", Single(model.Server{ID: "x", Protocol: model.ProtocolSSH, Port: 22, Settings: model.SSH{User: "u"}}), "MISSING_FIELD"},
		{"bad port", Single(model.Server{ID: "x", Protocol: model.ProtocolSSH, Host: "h", Port: 70000, Settings: model.SSH{User: "u"}}), "INVALID_FIELD"},
		{"bad wg key", Single(model.Server{ID: "x", Protocol: model.ProtocolWireGuard, Host: "h", Port: 51820, Settings: model.WireGuard{PrivateKey: "nope", PeerPublicKey: "nope", LocalAddress: []string{"10.0.0.2/32"}}}), "INVALID_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Compile(tt.sel, defaultPolicy())
			assert.Nil(t, res)
			var ce *CompileError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *CompileError, got %T: %v", err, err)
			}
			assert.Equal(t, tt.code, ce.AppError.Code)
			assert.Equal(t, "compile", ce.AppError.Stage)
		})
	}
}

func TestCompile_Deterministic(t *testing.T) {
	pol := defaultPolicy()
	pol.Mux = model.MuxOptions{Enabled: true, MaxStreams: "x"}
	pol.CustomRules = []model.CustomRule{
		{Type: model.RuleGeosite, Value: "google", Action: "proxy"},
		{Type: model.RuleGeoIP, Value: "ir", Action: "direct"},
		{Type: model.RuleDomain, Value: "example.org", Action: "block"},
	}
	pol.BypassIPs = append(pol.BypassIPs, "geoip:private", "geoip:cn")
	sel := ChainOf(vlessServer("a", "a.example.com"), vlessServer("b", "b.example.com"))

	first, err := Compile(sel, pol)
	require.NoError(t, err)
	second, err := Compile(sel, pol)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestCompile_GeositeRuleSetDeduplicated(t *testing.T) {
	pol := defaultPolicy()
	pol.CustomRules = []model.CustomRule{
		{Type: model.RuleGeosite, Value: "google", Action: "proxy"},
		{Type: model.RuleGeosite, Value: "Google", Action: "direct"},
	}
	pol.BypassDomains = append(pol.BypassDomains, "domain:geosite:google", "domain:geosite:ir")

	res, err := Compile(Single(vlessServer("a", "a.example.com")), pol)
	require.NoError(t, err)

	count := map[string]int{}
	for _, rs := range res.Document.Route.RuleSet {
		count[rs.Tag]++
		assert.Equal(t, "remote", rs.Type)
		assert.Equal(t, "binary", rs.Format)
		assert.Equal(t, TagDirect, rs.DownloadDetour)
	}
	assert.Equal(t, map[string]int{"geosite-google": 1, "geosite-ir": 1}, count)
	for _, rs := range res.Document.Route.RuleSet {
		if rs.Tag == "geosite-ir" {
			assert.Equal(t, "https://raw.githubusercontent.com/Chocolate4U/Iran-sing-box-rules/rule-set/geosite-ir.srs", rs.URL)
		}
	}
}

func TestCompile_RouteRules(t *testing.T) {
	pol := defaultPolicy()
	pol.BypassIPs = []string{"geoip:private", "geoip:cn", "10.0.0.0/8"}
	pol.BypassDomains = []string{"domain:geosite:cn", "*.lan"}
	pol.CustomRules = []model.CustomRule{
		{Type: model.RuleProcess, Value: "curl", Action: "direct"},
		{Type: model.RuleIP, Value: "9.9.9.9/32", Action: "block"},
		{Type: model.RuleDomain, Value: "x.com", Action: "missing-outbound"},
	}
	res, err := Compile(Single(vlessServer("a", "a.example.com")), pol)
	require.NoError(t, err)

	want := []RouteRule{
		{Protocol: []string{"dns"}, Action: "hijack-dns"},
		{ProcessName: []string{"curl"}, Outbound: TagDirect},
		{IPCIDR: []string{"9.9.9.9/32"}, Action: "reject"},
		{IPIsPrivate: true, Outbound: TagDirect},
		{RuleSet: []string{"geoip-cn"}, Outbound: TagDirect},
		{IPCIDR: []string{"10.0.0.0/8"}, Outbound: TagDirect},
		{RuleSet: []string{"geosite-cn"}, Outbound: TagDirect},
		{DomainSuffix: []string{"lan"}, Outbound: TagDirect},
	}
	assert.Equal(t, want, res.Document.Route.Rules)
	assert.True(t, hasDiag(res.Diagnostics, "UNKNOWN_OUTBOUND"))
}

func TestCompile_MalformedFragmentIsNonFatal(t *testing.T) {
	pol := defaultPolicy()
	pol.Fragment = model.FragmentOptions{Enabled: true, Size: "abc-100", Sleep: "10-20"}
	s := vlessServer("a", "a.example.com")
	s.Settings = model.VLESS{UUID: "u", TLS: &model.TLSOptions{Enabled: true}}

	res, err := Compile(Single(s), pol)
	require.NoError(t, err)
	ob := res.Document.Outbounds[1].(*VLESSOutbound)
	require.NotNil(t, ob.TLS)
	assert.Nil(t, ob.TLS.Fragment)
	assert.True(t, hasDiag(res.Diagnostics, "INVALID_FRAGMENT"))

	pol.Fragment.Size = "5-50"
	res, err = Compile(Single(s), pol)
	require.NoError(t, err)
	ob = res.Document.Outbounds[1].(*VLESSOutbound)
	require.NotNil(t, ob.TLS.Fragment)
	assert.Equal(t, [2]int{5, 50}, ob.TLS.Fragment.Size)
	assert.Equal(t, [2]int{10, 20}, ob.TLS.Fragment.Sleep)
	assert.Empty(t, res.Diagnostics)
}

func TestCompile_VLESSFlowAndWebsocket(t *testing.T) {
	s := vlessServer("a", "a.example.com")
	s.Settings = model.VLESS{
		UUID:      "u",
		Flow:      "xtls-rprx-vision",
		TLS:       &model.TLSOptions{Enabled: true, ServerName: "sni.example.com", Fingerprint: "chrome"},
		Transport: &model.Transport{Type: "ws"},
	}
	res, err := Compile(Single(s), defaultPolicy())
	require.NoError(t, err)
	ob := res.Document.Outbounds[1].(*VLESSOutbound)
	assert.Empty(t, ob.Flow)
	require.NotNil(t, ob.Transport)
	assert.Equal(t, "/", ob.Transport.Path)
	assert.Equal(t, map[string]string{"Host": "sni.example.com"}, ob.Transport.Headers)
	assert.Equal(t, []string{"h2", "http/1.1"}, ob.TLS.ALPN)
	assert.Equal(t, &UTLS{Enabled: true, Fingerprint: "chrome"}, ob.TLS.UTLS)

	s.Settings = model.VLESS{UUID: "u", Flow: "xtls-rprx-vision"}
	res, err = Compile(Single(s), defaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, "xtls-rprx-vision", res.Document.Outbounds[1].(*VLESSOutbound).Flow)
}

func TestCompile_Hysteria2Bandwidth(t *testing.T) {
	s := model.Server{ID: "h", Protocol: model.ProtocolHysteria2, Host: "h.example.com", Port: 443,
		Settings: model.Hysteria2{Password: "p", Obfs: "salamander", ObfsPassword: "o"}}
	pol := defaultPolicy()
	pol.Hysteria2 = model.BandwidthOptions{UpMbps: "20", DownMbps: "fast"}

	res, err := Compile(Single(s), pol)
	require.NoError(t, err)
	ob := res.Document.Outbounds[1].(*Hysteria2Outbound)
	assert.Equal(t, 20, ob.UpMbps)
	assert.Equal(t, 100, ob.DownMbps)
	assert.Equal(t, &Obfs{Type: "salamander", Password: "o"}, ob.Obfs)
	assert.True(t, hasDiag(res.Diagnostics, "INVALID_SETTING"))
}

func TestCompile_EndToEndDefaultPolicy(t *testing.T) {
	servers := []model.Server{
		vlessServer("a", "a.example.com"),
		{ID: "b", Protocol: model.ProtocolTrojan, Host: "b.example.com", Port: 443, Settings: model.Trojan{Password: "p"}},
		{ID: "c", Protocol: model.ProtocolShadowsocks, Host: "c.example.com", Port: 8388, Settings: model.Shadowsocks{Method: "aes-256-gcm", Password: "p"}},
	}
	pol := defaultPolicy()
	pol.TunnelMode = false

	for _, s := range servers {
		res, err := Compile(Single(s), pol)
		require.NoError(t, err)
		doc := res.Document

		require.Len(t, doc.Inbounds, 2)
		for _, in := range doc.Inbounds {
			assert.NotEqual(t, "tun", in.Type)
		}
		require.Len(t, doc.Outbounds, 2)
		assert.Equal(t, TagDirect, doc.Outbounds[0].OutboundTag())
		assert.Equal(t, TagProxy, doc.Outbounds[1].OutboundTag())
		assert.Equal(t, TagProxy, doc.Route.Final)
		require.Len(t, doc.DNS.Servers, 2)
		assert.Equal(t, "1.1.1.1", doc.DNS.Servers[0].Address)
		assert.Equal(t, "8.8.8.8", doc.DNS.Servers[1].Address)
		assert.Equal(t, TagDNSRemote, doc.DNS.Final)
		assert.Equal(t, "prefer_ipv4", doc.DNS.Strategy)
		assert.Equal(t, []DNSRule{{DomainSuffix: []string{"ir", "local"}, Server: TagDNSDirect}}, doc.DNS.Rules)
		assert.Empty(t, res.Diagnostics)
	}

	pol.TunnelMode = true
	res, err := Compile(Single(servers[0]), pol)
	require.NoError(t, err)
	require.Len(t, res.Document.Inbounds, 3)
	assert.Equal(t, "tun", res.Document.Inbounds[0].Type)
}

func TestCompile_DNSDefaults(t *testing.T) {
	dns := buildDNS(model.Policy{}, TagDNSRemote)
	assert.Equal(t, []DNSServer{{Tag: TagDNSRemote, Address: "1.1.1.1"}, {Tag: TagDNSDirect, Address: "8.8.8.8"}}, dns.Servers)
	assert.Empty(t, dns.Rules)

	dns = buildDNS(model.Policy{DNSServers: []string{"9.9.9.9"}}, TagDNSRemote)
	assert.Equal(t, "9.9.9.9", dns.Servers[0].Address)
	assert.Equal(t, "8.8.8.8", dns.Servers[1].Address)
}

func TestCompileProbe(t *testing.T) {
	servers := []model.Server{vlessServer("a", "a.example.com"), vlessServer("b", "b.example.com")}
	res, err := CompileProbe(servers, defaultPolicy(), 12000)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"a": "127.0.0.1:12000", "b": "127.0.0.1:12001"}, res.Endpoints)
	doc := res.Document
	require.Len(t, doc.Inbounds, 2)
	assert.Equal(t, "http-in-1", doc.Inbounds[1].Tag)
	require.Len(t, doc.Outbounds, 3)
	assert.Equal(t, "proxy-out-1", doc.Outbounds[2].OutboundTag())
	assert.Equal(t, []RouteRule{
		{Inbound: []string{"http-in-0"}, Outbound: "proxy-out-0"},
		{Inbound: []string{"http-in-1"}, Outbound: "proxy-out-1"},
	}, doc.Route.Rules)
	assert.Equal(t, TagDirect, doc.Route.Final)
	assert.Equal(t, TagDNSDirect, doc.DNS.Final)

	_, err = CompileProbe([]model.Server{servers[0], servers[0]}, defaultPolicy(), 0)
	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "DUPLICATE_SERVER", ce.AppError.Code)
}

func hasDiag(diags []model.Diagnostic, code string) bool {
	for _, d := range diags {
		if d.Code == code {
			return true
		}
	}
	return false
}
