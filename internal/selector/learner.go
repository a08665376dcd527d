package selector

import "github.com/John-Robertt/boxpilot/internal/model"

// Learner adjusts a composite score using a server's selection history
// (oldest first).
type Learner interface {
	Adjust(score float64, history []model.SelectionRecord) float64
}

const (
	trendMinRecords = 5
	trendWindow     = 10
	trendMinScores  = 3
	trendFactor     = 5.0

	reliabilityMin = 0.5
	reliabilityMax = 1.2
)

// TrendReliability nudges the score by the recent score trend and scales it
// by how reliably the server delivered when chosen. The constants are
// heuristic and kept as is.
type TrendReliability struct{}

func (TrendReliability) Adjust(score float64, history []model.SelectionRecord) float64 {
	if len(history) < trendMinRecords {
		return score
	}
	recent := history[max(0, len(history)-trendWindow):]
	if len(recent) >= trendMinScores {
		score += slope(scoresOf(recent)) * trendFactor
	}
	return score * reliability(history)
}

func reliability(history []model.SelectionRecord) float64 {
	if len(history) == 0 {
		return 1
	}
	ok := 0
	for _, r := range history {
		if r.Succeeded() {
			ok++
		}
	}
	rate := float64(ok) / float64(len(history))
	if len(history) < 2 {
		return rate
	}
	consistency := max(0.5, 1-sampleVariance(scoresOf(history))/100)
	return clamp(rate*0.7+consistency*0.3, reliabilityMin, reliabilityMax)
}

func scoresOf(rs []model.SelectionRecord) []float64 {
	out := make([]float64, len(rs))
	for i, r := range rs {
		out[i] = r.Score
	}
	return out
}

// slope is the least-squares slope of ys against 0..n-1.
func slope(ys []float64) float64 {
	n := len(ys)
	if n < 2 {
		return 0
	}
	xMean := float64(n-1) / 2
	yMean := mean(ys)
	var num, den float64
	for i, y := range ys {
		dx := float64(i) - xMean
		num += dx * (y - yMean)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func sampleVariance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	s := 0.0
	for _, x := range xs {
		s += (x - m) * (x - m)
	}
	return s / float64(len(xs)-1)
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
