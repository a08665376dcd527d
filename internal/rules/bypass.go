package rules

import "strings"

const (
	geoipPrefix   = "geoip:"
	geositePrefix = "domain:geosite:"

	privateCode = "private"
)

// SplitList splits a comma separated setting, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// IPBypass is the classified form of the bypass-ip list.
type IPBypass struct {
	Private bool     // "geoip:private" was present
	GeoIP   []string // remaining geoip codes, in input order, deduplicated
	CIDRs   []string // literal CIDRs/addresses, in input order
}

// SplitBypassIPs classifies entries as "geoip:<code>" or literal CIDRs.
func SplitBypassIPs(list []string) IPBypass {
	var out IPBypass
	seen := make(map[string]struct{})
	for _, item := range list {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if code, ok := cutPrefixFold(item, geoipPrefix); ok {
			code = strings.ToLower(code)
			if code == privateCode {
				out.Private = true
				continue
			}
			if _, dup := seen[code]; dup || code == "" {
				continue
			}
			seen[code] = struct{}{}
			out.GeoIP = append(out.GeoIP, code)
			continue
		}
		out.CIDRs = append(out.CIDRs, item)
	}
	return out
}

// DomainBypass is the classified form of the bypass-domain list.
type DomainBypass struct {
	Geosite  []string // codes from "domain:geosite:<code>", deduplicated
	Suffixes []string // literal domains normalized to sing-box domain_suffix form
}

func SplitBypassDomains(list []string) DomainBypass {
	var out DomainBypass
	seen := make(map[string]struct{})
	for _, item := range list {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if code, ok := cutPrefixFold(item, geositePrefix); ok {
			code = strings.ToLower(code)
			if _, dup := seen[code]; dup || code == "" {
				continue
			}
			seen[code] = struct{}{}
			out.Geosite = append(out.Geosite, code)
			continue
		}
		if s := DomainSuffix(item); s != "" {
			out.Suffixes = append(out.Suffixes, s)
		}
	}
	return out
}

// DomainSuffix turns "*.example.com" and ".example.com" into "example.com".
// sing-box domain_suffix "example.com" matches the domain itself and every
// subdomain.
func DomainSuffix(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "*")
	s = strings.TrimPrefix(s, ".")
	return s
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}
