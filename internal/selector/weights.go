package selector

import (
	"errors"
	"fmt"
	"math"
)

// Weights are the relative importance of each score term.
type Weights struct {
	Latency    float64 `json:"latency" yaml:"latency"`
	Throughput float64 `json:"throughput" yaml:"throughput"`
	Stability  float64 `json:"stability" yaml:"stability"`
	Uptime     float64 `json:"uptime" yaml:"uptime"`
	Geography  float64 `json:"geography" yaml:"geography"`
}

func DefaultWeights() Weights {
	return Weights{Latency: 0.30, Throughput: 0.25, Stability: 0.20, Uptime: 0.15, Geography: 0.10}
}

func (w Weights) IsZero() bool { return w == Weights{} }

// Validate rejects NaN, Inf, negative weights and an all-zero set.
func (w Weights) Validate() error {
	named := []struct {
		name string
		v    float64
	}{
		{"latency", w.Latency},
		{"throughput", w.Throughput},
		{"stability", w.Stability},
		{"uptime", w.Uptime},
		{"geography", w.Geography},
	}
	sum := 0.0
	for _, n := range named {
		if math.IsNaN(n.v) || math.IsInf(n.v, 0) || n.v < 0 {
			return fmt.Errorf("weight %q must be a finite non-negative number, got %v", n.name, n.v)
		}
		sum += n.v
	}
	if sum <= 0 {
		return errors.New("weights sum to zero")
	}
	return nil
}
