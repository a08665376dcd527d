package selector

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/boxpilot/internal/model"
)

const (
	DefaultRetention           = 30 * 24 * time.Hour
	DefaultMaintenanceInterval = 5 * time.Minute

	globalHistoryCap    = 100
	perServerHistoryCap = 50
	topPerformers       = 5
	recentWindow        = 20

	globalTrendWindow     = 50
	globalTrendMinRecords = 10
	trendMinSuccesses     = 5
	lowSuccessScore       = 70.0

	storeTimeout = 5 * time.Second
)

type Config struct {
	Weights             Weights       `yaml:"weights"`
	Retention           time.Duration `yaml:"retention"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	DisableLearning     bool          `yaml:"disable_learning"`
}

func (c Config) withDefaults() Config {
	if c.Weights.IsZero() {
		c.Weights = DefaultWeights()
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	return c
}

// RecordStore persists selection records beyond the process lifetime.
type RecordStore interface {
	Append(ctx context.Context, r model.SelectionRecord) error
	UpdateOutcome(ctx context.Context, serverID string, at time.Time, o model.Outcome) error
	Load(ctx context.Context, since time.Time) ([]model.SelectionRecord, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type Option func(*Engine)

func WithLogger(l logrus.FieldLogger) Option { return func(e *Engine) { e.log = l } }

func WithStore(s RecordStore) Option { return func(e *Engine) { e.store = s } }

func WithLearner(l Learner) Option { return func(e *Engine) { e.learner = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// Engine ranks candidates and learns from past selections. It never mutates
// the stats it is given.
type Engine struct {
	cfg     Config
	learner Learner
	store   RecordStore
	log     logrus.FieldLogger
	now     func() time.Time

	mu        sync.Mutex
	metrics   map[string]*Metrics
	global    []model.SelectionRecord
	perServer map[string][]model.SelectionRecord
}

func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Weights.Validate(); err != nil {
		return nil, fmt.Errorf("selector: %w", err)
	}
	e := &Engine{
		cfg:       cfg,
		learner:   TrendReliability{},
		log:       logrus.StandardLogger(),
		now:       time.Now,
		metrics:   make(map[string]*Metrics),
		perServer: make(map[string][]model.SelectionRecord),
	}
	for _, o := range opts {
		o(e)
	}
	if cfg.DisableLearning {
		e.learner = nil
	}
	return e, nil
}

func (e *Engine) Weights() Weights {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Weights
}

func (e *Engine) SetWeights(w Weights) error {
	if err := w.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg.Weights = w
	e.mu.Unlock()
	e.log.WithField("weights", w).Info("selection weights updated")
	return nil
}

// UpdateMetrics merges a partial report into the server's metrics and folds
// the report's success flag into its running success rate.
func (e *Engine) UpdateMetrics(serverID string, u MetricsUpdate) Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.metrics[serverID]
	if !ok {
		d := DefaultMetrics()
		m = &d
		e.metrics[serverID] = m
	}
	set := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	set(&m.ThroughputMbps, u.ThroughputMbps)
	set(&m.LossPct, u.LossPct)
	set(&m.JitterMs, u.JitterMs)
	set(&m.UptimePct, u.UptimePct)
	set(&m.DistanceKM, u.DistanceKM)

	succeeded := float64(m.TestCount) * m.SuccessRate / 100
	if u.Success == nil || *u.Success {
		succeeded++
	}
	m.TestCount++
	m.SuccessRate = succeeded / float64(m.TestCount) * 100
	m.LastTested = e.now()
	return *m
}

func (e *Engine) Metrics(serverID string) Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.metrics[serverID]; ok {
		return *m
	}
	return DefaultMetrics()
}

// Rank scores every candidate with a non-empty id and returns them best
// first. stats is read only.
func (e *Engine) Rank(candidates []model.Server, stats map[string]model.ServerStats, prefs Preferences) []Ranked {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rankLocked(candidates, stats, prefs)
}

func (e *Engine) rankLocked(candidates []model.Server, stats map[string]model.ServerStats, prefs Preferences) []Ranked {
	hour := e.now().Hour()
	out := make([]Ranked, 0, len(candidates))
	for _, s := range candidates {
		if s.ID == "" {
			continue
		}
		m := DefaultMetrics()
		if pm, ok := e.metrics[s.ID]; ok {
			m = *pm
		}
		v, latency, distance := score(e.cfg.Weights, e.learner, scoreInput{
			server:  s,
			stats:   stats[s.ID],
			metrics: m,
			prefs:   prefs,
			hour:    hour,
			history: e.perServer[s.ID],
		})
		out = append(out, Ranked{
			Server:     s,
			ServerID:   s.ID,
			Name:       s.Name,
			Score:      v,
			LatencyMS:  latency,
			DistanceKM: distance,
		})
	}
	sortRanked(out)
	return out
}

// Select ranks candidates, records the winner and returns it. ok is false
// when no candidate has an id.
func (e *Engine) Select(ctx context.Context, candidates []model.Server, stats map[string]model.ServerStats, prefs Preferences) (Ranked, bool) {
	e.mu.Lock()
	ranked := e.rankLocked(candidates, stats, prefs)
	if len(ranked) == 0 {
		e.mu.Unlock()
		return Ranked{}, false
	}
	best := ranked[0]
	rec := model.SelectionRecord{
		ServerID:  best.ServerID,
		Score:     best.Score,
		Timestamp: e.now(),
		Outcome:   model.OutcomePending,
	}
	e.appendLocked(rec)
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"server": best.ServerID, "score": best.Score}).Info("server selected")
	e.persist(ctx, "append", func(ctx context.Context) error { return e.store.Append(ctx, rec) })
	return best, true
}

func (e *Engine) appendLocked(r model.SelectionRecord) {
	e.global = append(e.global, r)
	if n := len(e.global); n > globalHistoryCap {
		e.global = append([]model.SelectionRecord(nil), e.global[n-globalHistoryCap:]...)
	}
	hist := append(e.perServer[r.ServerID], r)
	if n := len(hist); n > perServerHistoryCap {
		hist = append([]model.SelectionRecord(nil), hist[n-perServerHistoryCap:]...)
	}
	e.perServer[r.ServerID] = hist
}

// ReportOutcome sets the outcome of the most recent selection of serverID.
// It returns false when the server has no recorded selection.
func (e *Engine) ReportOutcome(ctx context.Context, serverID string, success bool) bool {
	outcome := model.OutcomeFailure
	if success {
		outcome = model.OutcomeSuccess
	}

	e.mu.Lock()
	hist := e.perServer[serverID]
	if len(hist) == 0 {
		e.mu.Unlock()
		return false
	}
	last := &hist[len(hist)-1]
	last.Outcome = outcome
	at := last.Timestamp
	for i := len(e.global) - 1; i >= 0; i-- {
		if e.global[i].ServerID == serverID && e.global[i].Timestamp.Equal(at) {
			e.global[i].Outcome = outcome
			break
		}
	}
	e.mu.Unlock()

	e.persist(ctx, "update_outcome", func(ctx context.Context) error {
		return e.store.UpdateOutcome(ctx, serverID, at, outcome)
	})
	return true
}

// History returns a copy of the server's records, oldest first.
func (e *Engine) History(serverID string) []model.SelectionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.SelectionRecord(nil), e.perServer[serverID]...)
}

// Restore reloads records within the retention window from the store.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	recs, err := e.store.Load(ctx, e.now().Add(-e.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("load selection history: %w", err)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })

	e.mu.Lock()
	defer e.mu.Unlock()
	e.global = nil
	e.perServer = make(map[string][]model.SelectionRecord)
	for _, r := range recs {
		e.appendLocked(r)
	}
	return len(recs), nil
}

// Maintain drops records older than the retention window and returns how
// many in-memory records were removed.
func (e *Engine) Maintain(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-e.cfg.Retention)
	keep := func(rs []model.SelectionRecord) []model.SelectionRecord {
		out := rs[:0:0]
		for _, r := range rs {
			if r.Timestamp.After(cutoff) {
				out = append(out, r)
			}
		}
		return out
	}

	e.mu.Lock()
	before := len(e.global)
	e.global = keep(e.global)
	removed := before - len(e.global)
	for id, hist := range e.perServer {
		kept := keep(hist)
		if len(kept) == 0 {
			delete(e.perServer, id)
			continue
		}
		e.perServer[id] = kept
	}
	e.mu.Unlock()

	e.persist(ctx, "prune", func(ctx context.Context) error {
		n, err := e.store.Prune(ctx, cutoff)
		if err == nil && n > 0 {
			e.log.WithField("rows", n).Debug("pruned stored selection records")
		}
		return err
	})
	return removed
}

// Run performs maintenance every MaintenanceInterval until ctx ends.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(e.cfg.MaintenanceInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.maintainSafely(ctx)
		}
	}
}

func (e *Engine) maintainSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", r).Errorf("selection maintenance failed\n%s", debug.Stack())
		}
	}()
	e.analyzeTrends()
	if n := e.Maintain(ctx, e.now()); n > 0 {
		e.log.WithField("records", n).Info("expired selection records pruned")
	}
}

// trend summarizes the successful selections among the most recent ones.
type trend struct {
	successes int
	meanScore float64
}

// recentTrend looks at the last globalTrendWindow selections. ok is false when
// there are too few records or successes to judge.
func (e *Engine) recentTrend() (trend, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.global) < globalTrendMinRecords {
		return trend{}, false
	}
	recent := e.global[max(0, len(e.global)-globalTrendWindow):]
	var tr trend
	var sum float64
	for _, r := range recent {
		if r.Succeeded() {
			tr.successes++
			sum += r.Score
		}
	}
	if tr.successes < trendMinSuccesses {
		return trend{}, false
	}
	tr.meanScore = sum / float64(tr.successes)
	return tr, true
}

func (e *Engine) analyzeTrends() {
	tr, ok := e.recentTrend()
	if !ok {
		return
	}
	f := logrus.Fields{"successes": tr.successes, "mean_score": tr.meanScore}
	if tr.meanScore < lowSuccessScore {
		e.log.WithFields(f).Warn("low success scores detected")
		return
	}
	e.log.WithFields(f).Debug("selection trend")
}

// persist runs a store call outside the engine lock. Store failures are
// logged; in-memory state stays authoritative.
func (e *Engine) persist(ctx context.Context, op string, fn func(context.Context) error) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		e.log.WithError(err).WithField("op", op).Warn("selection history store failed")
	}
}

type Performer struct {
	ServerID       string  `json:"server_id"`
	Score          float64 `json:"score"`
	ThroughputMbps float64 `json:"throughput_mbps"`
	UptimePct      float64 `json:"uptime_pct"`
	SuccessRate    float64 `json:"success_rate"`
}

type Analytics struct {
	TotalServers      int         `json:"total_servers"`
	TotalSelections   int         `json:"total_selections"`
	LearningEnabled   bool        `json:"learning_enabled"`
	Weights           Weights     `json:"weights"`
	TopPerformers     []Performer `json:"top_performers"`
	RecentSuccessRate *float64    `json:"recent_success_rate,omitempty"`
	Insights          []string    `json:"insights"`
}

// Analytics summarizes servers with reported metrics and the recent
// selection record. stats supplies latency; it may be nil.
func (e *Engine) Analytics(stats map[string]model.ServerStats) Analytics {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := Analytics{
		TotalServers:    len(e.metrics),
		TotalSelections: len(e.global),
		LearningEnabled: e.learner != nil,
		Weights:         e.cfg.Weights,
		TopPerformers:   []Performer{},
		Insights:        []string{},
	}

	hour := e.now().Hour()
	for id, m := range e.metrics {
		v, _, _ := score(e.cfg.Weights, e.learner, scoreInput{
			server:  model.Server{ID: id},
			stats:   stats[id],
			metrics: *m,
			hour:    hour,
			history: e.perServer[id],
		})
		a.TopPerformers = append(a.TopPerformers, Performer{
			ServerID:       id,
			Score:          v,
			ThroughputMbps: m.ThroughputMbps,
			UptimePct:      m.UptimePct,
			SuccessRate:    m.SuccessRate,
		})
	}
	sort.Slice(a.TopPerformers, func(i, j int) bool {
		pi, pj := a.TopPerformers[i], a.TopPerformers[j]
		if pi.Score != pj.Score {
			return pi.Score > pj.Score
		}
		return pi.ServerID < pj.ServerID
	})
	if len(a.TopPerformers) > topPerformers {
		a.TopPerformers = a.TopPerformers[:topPerformers]
	}

	if len(e.global) > 0 {
		recent := e.global[max(0, len(e.global)-recentWindow):]
		ok := 0
		for _, r := range recent {
			if r.Succeeded() {
				ok++
			}
		}
		rate := float64(ok) / float64(len(recent))
		a.RecentSuccessRate = &rate
		a.Insights = append(a.Insights, fmt.Sprintf("Recent success rate: %.1f%%", rate*100))
		if rate < 0.8 {
			a.Insights = append(a.Insights, "Consider adjusting selection criteria")
		}
		if rate > 0.95 {
			a.Insights = append(a.Insights, "Selection algorithm is performing excellently")
		}
	}
	return a
}
