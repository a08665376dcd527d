package selector

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/John-Robertt/boxpilot/internal/model"
)

const (
	bonusHour     = 1.10
	bonusCountry  = 1.05
	bonusProtocol = 1.03
)

// Metrics are the non-latency measurements of one server, fed in from
// outside the scheduler (speed tests, uptime monitors, ...).
type Metrics struct {
	ThroughputMbps float64 `json:"throughput_mbps"`
	LossPct        float64 `json:"loss_pct"`
	JitterMs       float64 `json:"jitter_ms"`
	UptimePct      float64 `json:"uptime_pct"`
	// DistanceKM overrides the location-based distance when positive.
	DistanceKM float64 `json:"distance_km"`

	SuccessRate float64   `json:"success_rate"`
	TestCount   int       `json:"test_count"`
	LastTested  time.Time `json:"last_tested"`
}

// DefaultMetrics is assumed for servers nobody has reported on.
func DefaultMetrics() Metrics {
	return Metrics{UptimePct: 100, SuccessRate: 100}
}

// MetricsUpdate carries a partial report; nil fields leave the current value.
type MetricsUpdate struct {
	ThroughputMbps *float64 `json:"throughput_mbps,omitempty"`
	LossPct        *float64 `json:"loss_pct,omitempty"`
	JitterMs       *float64 `json:"jitter_ms,omitempty"`
	UptimePct      *float64 `json:"uptime_pct,omitempty"`
	DistanceKM     *float64 `json:"distance_km,omitempty"`
	// Success defaults to true when omitted.
	Success *bool `json:"success,omitempty"`
}

type Preferences struct {
	Hours     []int           `json:"hours,omitempty" yaml:"hours"`
	Countries []string        `json:"countries,omitempty" yaml:"countries"`
	Protocols []string        `json:"protocols,omitempty" yaml:"protocols"`
	Location  *model.Location `json:"location,omitempty" yaml:"location"`
}

// Ranked is one scored candidate.
type Ranked struct {
	Server model.Server `json:"-"`

	ServerID   string   `json:"server_id"`
	Name       string   `json:"name,omitempty"`
	Score      float64  `json:"score"`
	LatencyMS  *float64 `json:"latency_ms"`
	DistanceKM *float64 `json:"distance_km,omitempty"`
}

type scoreInput struct {
	server  model.Server
	stats   model.ServerStats
	metrics Metrics
	prefs   Preferences
	hour    int
	history []model.SelectionRecord
}

// score computes the final [0,100] score of one candidate.
func score(w Weights, l Learner, in scoreInput) (float64, *float64, *float64) {
	total := 0.0

	var latency *float64
	if ema, ok := in.stats.LatencyEMA(); ok {
		latency = &ema
		total += max(0, 100-ema/10) * w.Latency
	}

	if in.metrics.ThroughputMbps > 0 {
		total += min(100, in.metrics.ThroughputMbps/10) * w.Throughput
	}

	stability := 100.0
	if in.metrics.LossPct > 0 {
		stability -= in.metrics.LossPct * 10
	}
	if in.metrics.JitterMs > 0 {
		stability -= min(50, in.metrics.JitterMs)
	}
	total += max(0, stability) * w.Stability

	total += in.metrics.UptimePct * w.Uptime

	distance := distanceOf(in.server, in.metrics, in.prefs)
	if distance != nil {
		total += max(0, 100-*distance/1000) * w.Geography
	}

	total = applyPreferences(total, in.server, in.prefs, in.hour)
	if l != nil {
		total = l.Adjust(total, in.history)
	}
	return clamp(total, 0, 100), latency, distance
}

func distanceOf(s model.Server, m Metrics, p Preferences) *float64 {
	if m.DistanceKM > 0 {
		d := m.DistanceKM
		return &d
	}
	if s.Location != nil && p.Location != nil {
		d := Haversine(*s.Location, *p.Location)
		return &d
	}
	return nil
}

func applyPreferences(v float64, s model.Server, p Preferences, hour int) float64 {
	if slices.Contains(p.Hours, hour) {
		v *= bonusHour
	}
	if s.Country != "" && containsFold(p.Countries, s.Country) {
		v *= bonusCountry
	}
	if s.Protocol != "" && containsFold(p.Protocols, string(s.Protocol)) {
		v *= bonusProtocol
	}
	return v
}

func containsFold(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(strings.TrimSpace(x), v) {
			return true
		}
	}
	return false
}

// sortRanked orders by score desc, then known latency asc with unknown last.
// The sort is stable, so remaining ties keep insertion order.
func sortRanked(rs []Ranked) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		switch {
		case a.LatencyMS != nil && b.LatencyMS != nil:
			return *a.LatencyMS < *b.LatencyMS
		case a.LatencyMS != nil:
			return true
		default:
			return false
		}
	})
}
