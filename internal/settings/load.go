package settings

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/John-Robertt/boxpilot/internal/fetch"
	"github.com/John-Robertt/boxpilot/internal/model"
	"github.com/John-Robertt/boxpilot/internal/rules"
)

// Load reads a settings document from an http(s) URL or a local path. An
// empty ref yields Default().
func Load(ctx context.Context, ref string, f *fetch.Fetcher) (*Document, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Default(), nil
	}
	if isRemote(ref) {
		text, err := fetcher(f).Text(ctx, fetch.KindSettings, ref)
		if err != nil {
			return nil, err
		}
		return ParsePolicyYAML(ref, text)
	}
	b, err := os.ReadFile(ref)
	if err != nil {
		return nil, &ParseError{
			AppError: model.AppError{
				Code:    "SETTINGS_READ_ERROR",
				Message: "读取设置文件失败",
				Stage:   stage,
				URL:     ref,
			},
			Cause: err,
		}
	}
	return ParsePolicyYAML(ref, string(b))
}

// ResolvePolicy returns the policy with the rules behind RulesURL appended
// to the inline custom rules. Lines without an action route to the proxy. The document itself is not modified.
func (d *Document) ResolvePolicy(ctx context.Context, f *fetch.Fetcher) (model.Policy, error) {
	pol := d.Policy
	pol.CustomRules = append([]model.CustomRule(nil), d.Policy.CustomRules...)
	if d.RulesURL == "" {
		return pol, nil
	}
	text, err := fetcher(f).Text(ctx, fetch.KindRules, d.RulesURL)
	if err != nil {
		return model.Policy{}, err
	}
	extra, err := rules.ParseRulesText(d.RulesURL, text, model.ActionProxy)
	if err != nil {
		return model.Policy{}, fmt.Errorf("rules_url: %w", err)
	}
	pol.CustomRules = append(pol.CustomRules, extra...)
	return pol, nil
}

func isRemote(ref string) bool {
	l := strings.ToLower(ref)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

func fetcher(f *fetch.Fetcher) *fetch.Fetcher {
	if f == nil {
		return fetch.New(fetch.Options{}, nil)
	}
	return f
}
