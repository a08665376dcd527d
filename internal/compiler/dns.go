package compiler

import (
	"strings"

	"github.com/John-Robertt/boxpilot/internal/model"
	"github.com/John-Robertt/boxpilot/internal/rules"
)

const (
	defaultRemoteDNS = "1.1.1.1"
	defaultDirectDNS = "8.8.8.8"
)

// buildDNS resolves through the first configured server and sends literal
// bypass domains to the direct resolver. final names the resolver for
// unmatched queries.
func buildDNS(pol model.Policy, final string) DNS {
	var servers []string
	for _, s := range pol.DNSServers {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	remote, direct := defaultRemoteDNS, defaultDirectDNS
	if len(servers) > 0 {
		remote = servers[0]
	}
	if len(servers) > 1 {
		direct = servers[1]
	}

	dns := DNS{
		Servers: []DNSServer{
			{Tag: TagDNSRemote, Address: remote},
			{Tag: TagDNSDirect, Address: direct},
		},
		Strategy: "prefer_ipv4",
		Final:    final,
	}
	if bd := rules.SplitBypassDomains(pol.BypassDomains); len(bd.Suffixes) > 0 {
		dns.Rules = append(dns.Rules, DNSRule{DomainSuffix: bd.Suffixes, Server: TagDNSDirect})
	}
	return dns
}
