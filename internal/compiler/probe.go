package compiler

import (
	"fmt"
	"net"
	"strconv"

	"github.com/John-Robertt/boxpilot/internal/model"
)

const DefaultProbeBasePort = 11000

// ProbeResult is a measurement document: every server gets its own local
// HTTP listener routed to its own outbound, so all servers can be probed
// through one runtime instance.
type ProbeResult struct {
	Result
	// Endpoints maps server id to the local "host:port" HTTP proxy address.
	Endpoints map[string]string
}

// CompileProbe builds the measurement document for servers. DNS resolves
// directly so probes measure the tunnel, not the resolver.
func CompileProbe(servers []model.Server, pol model.Policy, basePort int) (*ProbeResult, error) {
	if len(servers) == 0 {
		return nil, compileError("EMPTY_SELECTION", "未选择任何服务器", "", nil)
	}
	if basePort <= 0 {
		basePort = DefaultProbeBasePort
	}
	if basePort+len(servers)-1 > 65535 {
		return nil, compileError("INVALID_FIELD",
			fmt.Sprintf("探测端口范围越界：%d+%d", basePort, len(servers)),
			"lower the probe base port", nil)
	}

	var diags []model.Diagnostic
	k := parseKnobs(pol, &diags)

	doc := &Document{
		Log:       &LogOptions{Level: "warn"},
		DNS:       buildDNS(pol, TagDNSDirect),
		Outbounds: []Outbound{&DirectOutbound{OutboundHeader: OutboundHeader{Type: "direct", Tag: TagDirect}}},
		Route:     Route{Final: TagDirect},
	}
	endpoints := make(map[string]string, len(servers))
	for i, s := range servers {
		if s.ID == "" {
			return nil, missingFieldError(s, "id")
		}
		if _, dup := endpoints[s.ID]; dup {
			return nil, compileError("DUPLICATE_SERVER",
				fmt.Sprintf("服务器 id 重复：%s", s.ID), "", nil)
		}

		port := basePort + i
		in := "http-in-" + strconv.Itoa(i)
		outTag := TagProxy + "-" + strconv.Itoa(i)

		ob, err := buildOutbound(s, outTag, k)
		if err != nil {
			return nil, err
		}
		doc.Inbounds = append(doc.Inbounds, Inbound{Type: "http", Tag: in, Listen: loopback, ListenPort: port})
		doc.Outbounds = append(doc.Outbounds, ob)
		doc.Route.Rules = append(doc.Route.Rules, RouteRule{Inbound: []string{in}, Outbound: outTag})
		endpoints[s.ID] = net.JoinHostPort(loopback, strconv.Itoa(port))
	}

	return &ProbeResult{Result: Result{Document: doc, Diagnostics: diags}, Endpoints: endpoints}, nil
}
