package compiler

import (
	"fmt"
	"strconv"

	"github.com/John-Robertt/boxpilot/internal/model"
)

const (
	TagDirect    = "direct"
	TagProxy     = "proxy-out"
	TagDNSRemote = "dns-out"
	TagDNSDirect = "dns_direct"

	chainTagPrefix = "chain-node-"
)

// Selection is what gets compiled: one server, or an ordered chain of hops.
type Selection struct {
	Hops  []model.Server
	Chain bool
}

func Single(s model.Server) Selection { return Selection{Hops: []model.Server{s}} }

func ChainOf(hops ...model.Server) Selection { return Selection{Hops: hops, Chain: true} }

// Result is a compiled document plus the non-fatal findings of the pass.
type Result struct {
	Document    *Document
	Diagnostics []model.Diagnostic
}

type CompileError struct {
	AppError model.AppError
	Cause    error
}

func (e *CompileError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *CompileError) Unwrap() error { return e.Cause }

func compileError(code, message, hint string, cause error) *CompileError {
	return &CompileError{
		AppError: model.AppError{
			Code:    code,
			Message: message,
			Stage:   "compile",
			Hint:    hint,
		},
		Cause: cause,
	}
}

func missingFieldError(s model.Server, field string) *CompileError {
	return compileError("MISSING_FIELD",
		fmt.Sprintf("服务器 %s 缺少必填字段：%s", serverLabel(s), field),
		"", nil)
}

func unknownProtocolError(s model.Server, got string) *CompileError {
	return compileError("UNKNOWN_PROTOCOL",
		fmt.Sprintf("服务器 %s 的协议不受支持：%s", serverLabel(s), got),
		"supported: vless, vmess, shadowsocks, trojan, tuic, hysteria2, wireguard, ssh", nil)
}

// Compile turns a selection and a policy snapshot into a sing-box document.
//
// Compile is pure: the same inputs always produce the same document and
// diagnostics, and concurrent calls share nothing. Structural problems (empty
// selection, chain shorter than two hops, unknown protocol, missing required
// field) abort with *CompileError and no document.
func Compile(sel Selection, pol model.Policy) (*Result, error) {
	var diags []model.Diagnostic
	k := parseKnobs(pol, &diags)

	proxies, err := buildProxyOutbounds(sel, k)
	if err != nil {
		return nil, err
	}

	outbounds := make([]Outbound, 0, len(proxies)+1)
	outbounds = append(outbounds, &DirectOutbound{OutboundHeader: OutboundHeader{Type: "direct", Tag: TagDirect}})
	outbounds = append(outbounds, proxies...)

	doc := &Document{
		Log: &LogOptions{
			Level:     defaultString(pol.LogLevel, "info"),
			Output:    pol.LogOutput,
			Timestamp: true,
		},
		Experimental: &Experimental{
			CacheFile: &CacheFile{Enabled: true, Path: "cache.db", StoreFakeIP: true},
			ClashAPI:  &ClashAPI{ExternalController: "127.0.0.1:" + strconv.Itoa(listeners(pol).ControllerPort)},
		},
		DNS:       buildDNS(pol, TagDNSRemote),
		Inbounds:  buildInbounds(pol),
		Outbounds: outbounds,
		Route:     buildRoute(pol, outboundTags(outbounds), &diags),
	}
	return &Result{Document: doc, Diagnostics: diags}, nil
}

func buildProxyOutbounds(sel Selection, k knobs) ([]Outbound, error) {
	if len(sel.Hops) == 0 {
		return nil, compileError("EMPTY_SELECTION", "未选择任何服务器", "", nil)
	}
	if !sel.Chain {
		if len(sel.Hops) != 1 {
			return nil, compileError("INVALID_SELECTION",
				fmt.Sprintf("单服务器选择只能包含 1 个服务器，实际为 %d", len(sel.Hops)),
				"use a chain selection for multiple hops", nil)
		}
		ob, err := buildOutbound(sel.Hops[0], TagProxy, k)
		if err != nil {
			return nil, err
		}
		return []Outbound{ob}, nil
	}

	if len(sel.Hops) < 2 {
		return nil, compileError("CHAIN_TOO_SHORT",
			fmt.Sprintf("链式代理至少需要 2 跳，实际为 %d", len(sel.Hops)),
			"add another hop or select the server directly", nil)
	}

	out := make([]Outbound, len(sel.Hops))
	for i, hop := range sel.Hops {
		ob, err := buildOutbound(hop, chainTag(i), k)
		if err != nil {
			return nil, err
		}
		out[i] = ob
	}
	// hop i dials through hop i+1; the last hop dials directly.
	for i := 0; i < len(out)-1; i++ {
		out[i].setDetour(out[i+1].OutboundTag())
	}
	return out, nil
}

func chainTag(i int) string {
	if i == 0 {
		return TagProxy
	}
	return chainTagPrefix + strconv.Itoa(i)
}

func outboundTags(obs []Outbound) map[string]struct{} {
	tags := make(map[string]struct{}, len(obs))
	for _, ob := range obs {
		tags[ob.OutboundTag()] = struct{}{}
	}
	return tags
}
