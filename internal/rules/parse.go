package rules

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/John-Robertt/boxpilot/internal/model"
)

type RuleError struct {
	Code    string
	Message string
	Hint    string
	Cause   error
}

func (e *RuleError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *RuleError) Unwrap() error { return e.Cause }

type ParseError struct {
	AppError model.AppError
	Cause    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// ParseRulesText parses a routing rules file, one "TYPE,VALUE[,ACTION]" per
// line. Lines without ACTION use defaultAction.
func ParseRulesText(sourceURL string, text string, defaultAction string) ([]model.CustomRule, error) {
	if strings.TrimSpace(defaultAction) == "" {
		return nil, &ParseError{
			AppError: model.AppError{
				Code:    "RULES_PARSE_ERROR",
				Message: "rules default action 不能为空",
				Stage:   "parse_rules",
				URL:     sourceURL,
			},
		}
	}

	lines := strings.Split(text, "\n")
	out := make([]model.CustomRule, 0, len(lines))
	for i, raw := range lines {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		r, err := parseRuleLine(line, defaultAction)
		if err != nil {
			app := model.AppError{
				Code:    "RULE_PARSE_ERROR",
				Message: "invalid rule line",
				Stage:   "parse_rules",
				URL:     sourceURL,
				Line:    i + 1,
				Snippet: truncateSnippet(raw, 200),
			}
			var rerr *RuleError
			if errors.As(err, &rerr) {
				app.Code = rerr.Code
				app.Message = rerr.Message
				app.Hint = rerr.Hint
				err = rerr.Cause
			}
			return nil, &ParseError{AppError: app, Cause: err}
		}
		out = append(out, r)
	}
	return out, nil
}

// ParseRuleLine parses a single rule line. ACTION is required.
func ParseRuleLine(line string) (model.CustomRule, error) {
	line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
	if line == "" {
		return model.CustomRule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "rule line is empty"}
	}
	if strings.HasPrefix(line, "#") {
		return model.CustomRule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "rule line is comment"}
	}
	return parseRuleLine(line, "")
}

func parseRuleLine(line string, defaultAction string) (model.CustomRule, error) {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if parts[0] == "" {
		return model.CustomRule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "规则类型不能为空"}
	}

	var r model.CustomRule
	switch len(parts) {
	case 2:
		if defaultAction == "" {
			return model.CustomRule{}, &RuleError{
				Code:    "RULE_PARSE_ERROR",
				Message: "规则缺少 ACTION",
				Hint:    "expected: TYPE,VALUE,ACTION",
			}
		}
		r = model.CustomRule{Type: model.RuleType(parts[0]), Value: parts[1], Action: defaultAction}
	case 3:
		r = model.CustomRule{Type: model.RuleType(parts[0]), Value: parts[1], Action: parts[2]}
	default:
		return model.CustomRule{}, &RuleError{
			Code:    "RULE_PARSE_ERROR",
			Message: "规则字段数量不合法",
			Hint:    "expected: TYPE,VALUE[,ACTION]",
		}
	}
	return NormalizeCustomRule(r)
}

// NormalizeCustomRule validates a rule and returns its canonical form:
// lower-case type (aliases resolved), trimmed value, lower-case geo codes and
// lower-case well-known actions.
func NormalizeCustomRule(r model.CustomRule) (model.CustomRule, error) {
	typ, ok := parseRuleType(string(r.Type))
	if !ok {
		return model.CustomRule{}, &RuleError{
			Code:    "UNSUPPORTED_RULE_TYPE",
			Message: fmt.Sprintf("不支持的规则类型：%s", r.Type),
			Hint:    "expected one of: domain, ip, process, geosite, geoip",
		}
	}

	value := strings.TrimSpace(r.Value)
	action := strings.TrimSpace(r.Action)
	if value == "" || action == "" {
		return model.CustomRule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "规则 VALUE/ACTION 不能为空"}
	}

	switch typ {
	case model.RuleIP:
		if err := validateCIDR(value); err != nil {
			return model.CustomRule{}, &RuleError{
				Code:    "RULE_PARSE_ERROR",
				Message: "ip 规则的 CIDR 不合法",
				Hint:    "expected: CIDR or IP, e.g. 1.2.3.0/24",
				Cause:   err,
			}
		}
	case model.RuleGeosite, model.RuleGeoIP:
		value = strings.ToLower(value)
		if strings.ContainsAny(value, " /:,") {
			return model.CustomRule{}, &RuleError{
				Code:    "RULE_PARSE_ERROR",
				Message: fmt.Sprintf("%s 代码不合法：%s", typ, value),
				Hint:    "expected a bare code, e.g. cn or google",
			}
		}
	}

	switch lower := strings.ToLower(action); lower {
	case model.ActionProxy, model.ActionDirect, model.ActionBlock:
		action = lower
	}

	return model.CustomRule{Type: typ, Value: value, Action: action}, nil
}

func parseRuleType(s string) (model.RuleType, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DOMAIN", "DOMAIN-SUFFIX":
		return model.RuleDomain, true
	case "IP", "IP-CIDR", "IP-CIDR6":
		return model.RuleIP, true
	case "PROCESS", "PROCESS-NAME":
		return model.RuleProcess, true
	case "GEOSITE":
		return model.RuleGeosite, true
	case "GEOIP":
		return model.RuleGeoIP, true
	default:
		return "", false
	}
}

func validateCIDR(s string) error {
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err
	}
	if _, err := netip.ParseAddr(s); err != nil {
		return err
	}
	return nil
}

func truncateSnippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}
