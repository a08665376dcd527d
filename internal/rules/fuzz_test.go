package rules

import "testing"

func FuzzParseRuleLine(f *testing.F) {
	seed := []string{
		"",
		"  \n",
		"# comment",
		"domain,example.com,direct",
		"DOMAIN-SUFFIX,example.com,PROXY",
		"geoip,cn,direct",
		"geosite,category-ads,block",
		"PROCESS-NAME,WeChat,proxy",
		"ip,1.2.3.0/24,direct",
		"ip,2001:db8::/32,block",
		"ip,not-an-ip,direct",
	}
	for _, s := range seed {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, line string) {
		r, err := ParseRuleLine(line)
		if err != nil {
			return
		}
		if r.Type == "" {
			t.Fatalf("empty rule type")
		}
		if r.Value == "" || r.Action == "" {
			t.Fatalf("empty value/action: %+v", r)
		}
		again, err := NormalizeCustomRule(r)
		if err != nil {
			t.Fatalf("normalized rule rejected: %v", err)
		}
		if again != r {
			t.Fatalf("normalize not idempotent: %+v vs %+v", again, r)
		}
	})
}
