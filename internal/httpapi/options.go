package httpapi

import (
	"time"

	"github.com/sirupsen/logrus"
)

type Options struct {
	// CompileTimeout bounds one compile request including remote settings
	// and rules fetches.
	CompileTimeout time.Duration
	// ProbeTimeout bounds one on-demand batch probe.
	ProbeTimeout time.Duration
	// MaxBodyBytes caps JSON request bodies (policy YAML travels inline).
	MaxBodyBytes int64

	Logger logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.CompileTimeout <= 0 {
		o.CompileTimeout = 60 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 30 * time.Second
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}
