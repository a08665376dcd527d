package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/John-Robertt/boxpilot/internal/model"
)

const (
	defaultMuxProtocol   = "h2mux"
	defaultMuxMaxStreams = 8
	maxMuxMaxStreams     = 128

	defaultHy2UpMbps   = 50
	defaultHy2DownMbps = 100
)

// knobs is the policy-wide optional feature set, parsed once per pass so each
// malformed setting yields exactly one diagnostic however many outbounds use it.
type knobs struct {
	mux      *Multiplex
	fragment *Fragment
	upMbps   int
	downMbps int
}

func parseKnobs(pol model.Policy, diags *[]model.Diagnostic) knobs {
	k := knobs{
		mux:      parseMux(pol.Mux, diags),
		fragment: parseFragment(pol.Fragment, diags),
	}
	k.upMbps = parsePositiveInt(pol.Hysteria2.UpMbps, defaultHy2UpMbps, "hysteria2.up_mbps", diags)
	k.downMbps = parsePositiveInt(pol.Hysteria2.DownMbps, defaultHy2DownMbps, "hysteria2.down_mbps", diags)
	return k
}

func parseMux(opt model.MuxOptions, diags *[]model.Diagnostic) *Multiplex {
	if !opt.Enabled {
		return nil
	}

	proto := strings.ToLower(strings.TrimSpace(opt.Protocol))
	switch proto {
	case "":
		proto = defaultMuxProtocol
	case "smux", "h2mux", "yamux":
	default:
		*diags = append(*diags, model.Diagnostic{
			Code:    "INVALID_MUX_PROTOCOL",
			Message: fmt.Sprintf("unsupported multiplex protocol %q, using %s", opt.Protocol, defaultMuxProtocol),
			Field:   "mux.protocol",
		})
		proto = defaultMuxProtocol
	}

	streams := defaultMuxMaxStreams
	if raw := strings.TrimSpace(opt.MaxStreams); raw != "" {
		n, err := strconv.Atoi(raw)
		switch {
		case err != nil || n < 1:
			*diags = append(*diags, model.Diagnostic{
				Code:    "INVALID_MUX_MAX_STREAMS",
				Message: fmt.Sprintf("invalid max_streams %q, using %d", opt.MaxStreams, defaultMuxMaxStreams),
				Field:   "mux.max_streams",
			})
		case n > maxMuxMaxStreams:
			*diags = append(*diags, model.Diagnostic{
				Code:    "INVALID_MUX_MAX_STREAMS",
				Message: fmt.Sprintf("max_streams %d exceeds %d, clamped", n, maxMuxMaxStreams),
				Field:   "mux.max_streams",
			})
			streams = maxMuxMaxStreams
		default:
			streams = n
		}
	}

	return &Multiplex{
		Enabled:    true,
		Protocol:   proto,
		MaxStreams: streams,
		Padding:    opt.Padding,
	}
}

func parseFragment(opt model.FragmentOptions, diags *[]model.Diagnostic) *Fragment {
	if !opt.Enabled {
		return nil
	}
	size, errSize := parseRange(defaultString(opt.Size, "10-100"))
	sleep, errSleep := parseRange(defaultString(opt.Sleep, "10-100"))
	if errSize != nil || errSleep != nil {
		field, raw, err := "tls_fragment.size", opt.Size, errSize
		if err == nil {
			field, raw, err = "tls_fragment.sleep", opt.Sleep, errSleep
		}
		*diags = append(*diags, model.Diagnostic{
			Code:    "INVALID_FRAGMENT",
			Message: fmt.Sprintf("tls fragment disabled: %s %q: %v", field, raw, err),
			Field:   field,
		})
		return nil
	}
	return &Fragment{Size: size, Sleep: sleep}
}

// parseRange parses "min-max" with 0 <= min <= max.
func parseRange(s string) ([2]int, error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return [2]int{}, fmt.Errorf("expected min-max")
	}
	a, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return [2]int{}, fmt.Errorf("min is not an integer")
	}
	b, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return [2]int{}, fmt.Errorf("max is not an integer")
	}
	if a < 0 || b < a {
		return [2]int{}, fmt.Errorf("range out of order")
	}
	return [2]int{a, b}, nil
}

func parsePositiveInt(raw string, def int, field string, diags *[]model.Diagnostic) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		*diags = append(*diags, model.Diagnostic{
			Code:    "INVALID_SETTING",
			Message: fmt.Sprintf("invalid %s %q, using %d", field, raw, def),
			Field:   field,
		})
		return def
	}
	return n
}

func defaultString(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
