package compiler

import "github.com/John-Robertt/boxpilot/internal/model"

const (
	loopback = "127.0.0.1"

	defaultSOCKSPort      = 1080
	defaultHTTPPort       = 1081
	defaultControllerPort = 9090

	tunInterface = "boxpilot-tun"
	tunAddress   = "172.19.0.1/30"
	tunMTU       = 9000
)

func listeners(pol model.Policy) model.Listeners {
	l := pol.Listeners
	if l.SOCKSPort <= 0 {
		l.SOCKSPort = defaultSOCKSPort
	}
	if l.HTTPPort <= 0 {
		l.HTTPPort = defaultHTTPPort
	}
	if l.ControllerPort <= 0 {
		l.ControllerPort = defaultControllerPort
	}
	return l
}

// buildInbounds returns the control listeners, preceded by the tun listener
// when tunnel mode is on.
func buildInbounds(pol model.Policy) []Inbound {
	l := listeners(pol)
	var out []Inbound
	if pol.TunnelMode {
		out = append(out, Inbound{
			Type:                   "tun",
			Tag:                    "tun-in",
			InterfaceName:          tunInterface,
			Address:                []string{tunAddress},
			MTU:                    tunMTU,
			AutoRoute:              true,
			StrictRoute:            true,
			EndpointIndependentNAT: true,
		})
	}
	out = append(out,
		Inbound{Type: "socks", Tag: "socks-in", Listen: loopback, ListenPort: l.SOCKSPort},
		Inbound{Type: "http", Tag: "http-in", Listen: loopback, ListenPort: l.HTTPPort},
	)
	return out
}
