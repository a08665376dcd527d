package rules

import "strings"

const (
	GeoIPRuleSetURL   = "https://raw.githubusercontent.com/soffchen/sing-geoip/rule-set/geoip-{code}.srs"
	GeositeRuleSetURL = "https://raw.githubusercontent.com/soffchen/sing-geosite/rule-set/{code}.srs"

	// Trusted mirror for Iranian codes; the upstream lists are incomplete for them.
	IranGeoIPRuleSetURL   = "https://raw.githubusercontent.com/Chocolate4U/Iran-sing-box-rules/rule-set/geoip-ir.srs"
	IranGeositeRuleSetURL = "https://raw.githubusercontent.com/Chocolate4U/Iran-sing-box-rules/rule-set/geosite-ir.srs"
)

// RuleSet identifies one remote rule-set bundle.
type RuleSet struct {
	Tag string
	URL string
}

func GeoIPRuleSet(code string) RuleSet {
	code = strings.ToLower(strings.TrimSpace(code))
	url := strings.ReplaceAll(GeoIPRuleSetURL, "{code}", code)
	if code == "ir" {
		url = IranGeoIPRuleSetURL
	}
	return RuleSet{Tag: "geoip-" + code, URL: url}
}

func GeositeRuleSet(code string) RuleSet {
	code = strings.ToLower(strings.TrimSpace(code))
	url := strings.ReplaceAll(GeositeRuleSetURL, "{code}", code)
	if code == "ir" || code == "tld-ir" {
		url = IranGeositeRuleSetURL
	}
	return RuleSet{Tag: "geosite-" + code, URL: url}
}
