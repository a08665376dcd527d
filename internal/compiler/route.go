package compiler

import (
	"fmt"

	"github.com/John-Robertt/boxpilot/internal/model"
	"github.com/John-Robertt/boxpilot/internal/rules"
)

// ruleSetRegistry keeps rule-set descriptors unique by tag, in first-use order.
type ruleSetRegistry struct {
	seen map[string]struct{}
	list []RuleSet
}

func (r *ruleSetRegistry) add(rs rules.RuleSet) string {
	if r.seen == nil {
		r.seen = make(map[string]struct{})
	}
	if _, ok := r.seen[rs.Tag]; !ok {
		r.seen[rs.Tag] = struct{}{}
		r.list = append(r.list, RuleSet{
			Tag:            rs.Tag,
			Type:           "remote",
			Format:         "binary",
			URL:            rs.URL,
			DownloadDetour: TagDirect,
		})
	}
	return rs.Tag
}

func buildRoute(pol model.Policy, known map[string]struct{}, diags *[]model.Diagnostic) Route {
	var reg ruleSetRegistry
	out := []RouteRule{{Protocol: []string{"dns"}, Action: "hijack-dns"}}

	for i, cr := range pol.CustomRules {
		r, err := rules.NormalizeCustomRule(cr)
		if err != nil {
			*diags = append(*diags, model.Diagnostic{
				Code:    "INVALID_RULE",
				Message: fmt.Sprintf("custom rule skipped: %v", err),
				Field:   fmt.Sprintf("rules[%d]", i),
			})
			continue
		}
		rr, ok := applyAction(r.Action, known)
		if !ok {
			*diags = append(*diags, model.Diagnostic{
				Code:    "UNKNOWN_OUTBOUND",
				Message: fmt.Sprintf("custom rule skipped: outbound %q does not exist", r.Action),
				Field:   fmt.Sprintf("rules[%d].action", i),
			})
			continue
		}
		switch r.Type {
		case model.RuleDomain:
			rr.DomainSuffix = []string{rules.DomainSuffix(r.Value)}
		case model.RuleIP:
			rr.IPCIDR = []string{r.Value}
		case model.RuleProcess:
			rr.ProcessName = []string{r.Value}
		case model.RuleGeosite:
			rr.RuleSet = []string{reg.add(rules.GeositeRuleSet(r.Value))}
		case model.RuleGeoIP:
			rr.RuleSet = []string{reg.add(rules.GeoIPRuleSet(r.Value))}
		}
		out = append(out, rr)
	}

	ips := rules.SplitBypassIPs(pol.BypassIPs)
	if ips.Private {
		out = append(out, RouteRule{IPIsPrivate: true, Outbound: TagDirect})
	}
	if len(ips.GeoIP) > 0 {
		tags := make([]string, 0, len(ips.GeoIP))
		for _, code := range ips.GeoIP {
			tags = append(tags, reg.add(rules.GeoIPRuleSet(code)))
		}
		out = append(out, RouteRule{RuleSet: tags, Outbound: TagDirect})
	}
	if len(ips.CIDRs) > 0 {
		out = append(out, RouteRule{IPCIDR: ips.CIDRs, Outbound: TagDirect})
	}

	domains := rules.SplitBypassDomains(pol.BypassDomains)
	if len(domains.Geosite) > 0 {
		tags := make([]string, 0, len(domains.Geosite))
		for _, code := range domains.Geosite {
			tags = append(tags, reg.add(rules.GeositeRuleSet(code)))
		}
		out = append(out, RouteRule{RuleSet: tags, Outbound: TagDirect})
	}
	if len(domains.Suffixes) > 0 {
		out = append(out, RouteRule{DomainSuffix: domains.Suffixes, Outbound: TagDirect})
	}

	return Route{Rules: out, RuleSet: reg.list, Final: TagProxy}
}

// applyAction maps a rule action onto the rule's outbound or action field.
func applyAction(action string, known map[string]struct{}) (RouteRule, bool) {
	switch action {
	case model.ActionProxy:
		return RouteRule{Outbound: TagProxy}, true
	case model.ActionDirect:
		return RouteRule{Outbound: TagDirect}, true
	case model.ActionBlock:
		return RouteRule{Action: "reject"}, true
	}
	if _, ok := known[action]; !ok {
		return RouteRule{}, false
	}
	return RouteRule{Outbound: action}, true
}
