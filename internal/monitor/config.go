package monitor

import (
	"slices"
	"time"
)

// Check is one kind of periodic measurement.
type Check string

const (
	// CheckTCP probes raw TCP, or a CONNECT through the tunnel when one is live.
	CheckTCP Check = "tcp"
	// CheckURL fetches the probe URL through the tunnel; skipped without one.
	CheckURL Check = "url"
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 60 * time.Second
	DefaultAlpha      = 0.3
	DefaultWorkers    = 8
	DefaultYield      = 10 * time.Millisecond

	maxBackoffShift = 6
)

type Config struct {
	Interval   time.Duration `yaml:"interval"`
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// Alpha is the EMA weight of a new sample, in (0, 1].
	Alpha   float64 `yaml:"alpha"`
	Workers int     `yaml:"workers"`
	Checks  []Check `yaml:"checks"`
	// Yield is the pause between dispatching two servers in one pass.
	// Negative disables it.
	Yield time.Duration `yaml:"yield"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = DefaultMinBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = DefaultAlpha
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if len(c.Checks) == 0 {
		c.Checks = []Check{CheckTCP, CheckURL}
	}
	switch {
	case c.Yield == 0:
		c.Yield = DefaultYield
	case c.Yield < 0:
		c.Yield = 0
	}
	return c
}

func (c Config) has(k Check) bool { return slices.Contains(c.Checks, k) }

// Backoff is the minimum quiet period after n consecutive failures:
// min * 2^min(n,6), clamped to [min, max].
func Backoff(n int, lo, hi time.Duration) time.Duration {
	n = max(0, min(n, maxBackoffShift))
	d := lo << n
	if d < lo {
		d = lo
	}
	if d > hi {
		d = hi
	}
	return d
}

// UpdateEMA folds sample into cur. A nil cur is seeded with the sample as is.
func UpdateEMA(cur *float64, sample, alpha float64) *float64 {
	v := sample
	if cur != nil {
		v = alpha*sample + (1-alpha)*(*cur)
	}
	return &v
}
