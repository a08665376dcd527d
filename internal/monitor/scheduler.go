package monitor

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/boxpilot/internal/model"
	"github.com/John-Robertt/boxpilot/internal/probe"
)

// Prober is the measurement primitive; *probe.Prober implements it.
type Prober interface {
	Probe(ctx context.Context, t probe.Target, mode model.ProbeMode) probe.Result
}

// Tunnel reports the local proxy address routed to a server while a runtime
// carrying it is live.
type Tunnel interface {
	ProxyAddress(serverID string) (string, bool)
}

// Sink receives results as they are produced. Value is the smoothed EMA, or
// probe.Failure when the probe failed. Calls may come from several goroutines.
type Sink interface {
	OnProbeResult(serverID string, mode model.ProbeMode, value float64)
	OnProgress(done, total int)
}

type Option func(*Scheduler)

func WithLogger(l logrus.FieldLogger) Option { return func(s *Scheduler) { s.log = l } }

func WithSink(k Sink) Option { return func(s *Scheduler) { s.sink = k } }

func WithTunnel(t Tunnel) Option { return func(s *Scheduler) { s.tunnel = t } }

// WithClock replaces time.Now for eligibility decisions.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

type entry struct {
	// run serializes probes of one server; mu guards the fields below.
	run sync.Mutex

	mu     sync.Mutex
	server model.Server
	stats  model.ServerStats
}

// Scheduler owns the per-server statistics and the background loop that
// keeps them fresh.
type Scheduler struct {
	cfg    Config
	prober Prober
	log    logrus.FieldLogger
	sink   Sink
	tunnel Tunnel
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	loopPool *probe.Pool
	adhoc    *probe.Pool

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(cfg Config, p Prober, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:      cfg,
		prober:   p,
		log:      logrus.StandardLogger(),
		now:      time.Now,
		entries:  make(map[string]*entry),
		loopPool: probe.NewPool(cfg.Workers),
		adhoc:    probe.NewPool(cfg.Workers),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) Config() Config { return s.cfg }

// SetServers replaces the tracked set. Stats of servers that stay are kept;
// stats of removed servers are dropped.
func (s *Scheduler) SetServers(servers []model.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*entry, len(servers))
	order := make([]string, 0, len(servers))
	for _, srv := range servers {
		if srv.ID == "" {
			continue
		}
		if _, dup := next[srv.ID]; dup {
			continue
		}
		e, ok := s.entries[srv.ID]
		if ok {
			e.mu.Lock()
			e.server = srv
			e.mu.Unlock()
		} else {
			e = &entry{server: srv}
		}
		next[srv.ID] = e
		order = append(order, srv.ID)
	}
	s.entries = next
	s.order = order
}

// Start tracks servers and launches the background loop. Calling Start on a
// running scheduler only replaces the tracked set.
func (s *Scheduler) Start(ctx context.Context, servers []model.Server) {
	s.SetServers(servers)

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	go s.loop(ctx)
	s.log.WithFields(logrus.Fields{"servers": len(servers), "interval": s.cfg.Interval, "checks": s.cfg.Checks}).Info("monitor started")
}

// Stop cancels the loop and waits for in-flight probes to finish. It is safe
// to call more than once.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.runMu.Unlock()

	s.wg.Wait()
	s.log.Info("monitor stopped")
}

func (s *Scheduler) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		s.iterate(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Scheduler) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Errorf("monitor iteration failed\n%s", debug.Stack())
		}
	}()
	if ctx.Err() != nil {
		return
	}
	due := s.due(s.now())
	if len(due) == 0 {
		return
	}
	total := len(due)
	var done atomic.Int32
	s.loopPool.RunSpaced(ctx, total, s.cfg.Yield, func(ctx context.Context, i int) {
		s.check(ctx, due[i])
		s.progress(int(done.Add(1)), total)
	})
}

// due returns the entries whose backoff has elapsed, in tracking order.
func (s *Scheduler) due(now time.Time) []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.order))
	for _, id := range s.order {
		e := s.entries[id]
		e.mu.Lock()
		wait := Backoff(e.stats.ConsecutiveFailures, s.cfg.MinBackoff, s.cfg.MaxBackoff)
		last := e.stats.LastProbe
		e.mu.Unlock()
		if last.IsZero() || now.Sub(last) > wait {
			out = append(out, e)
		}
	}
	return out
}

// check runs the configured checks against one server. A panic is logged and
// contained to this server.
func (s *Scheduler) check(ctx context.Context, e *entry) {
	e.run.Lock()
	defer e.run.Unlock()

	e.mu.Lock()
	srv := e.server
	e.mu.Unlock()

	log := s.log.WithField("server", srv.ID)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("probe failed unexpectedly")
		}
	}()

	addr, live := s.proxyAddress(srv.ID)
	target := probe.Target{ServerID: srv.ID, Host: srv.Host, Port: srv.Port, ProxyAddr: addr}

	if s.cfg.has(CheckTCP) {
		mode := model.ModeRawTCP
		if live {
			mode = model.ModeTunneledTCP
		}
		res := s.prober.Probe(ctx, target, mode)
		if res.Cancelled {
			return
		}
		s.record(e, CheckTCP, res)
	}
	if s.cfg.has(CheckURL) && live {
		res := s.prober.Probe(ctx, target, model.ModeTunneledHTTP)
		if res.Cancelled {
			return
		}
		s.record(e, CheckURL, res)
	}
}

func (s *Scheduler) record(e *entry, kind Check, res probe.Result) {
	e.mu.Lock()
	st := &e.stats
	st.LastProbe = s.now()
	value := float64(probe.Failure)
	switch kind {
	case CheckTCP:
		if res.OK() {
			st.ConsecutiveFailures = 0
			st.TCPEMA = UpdateEMA(st.TCPEMA, float64(res.Millis), s.cfg.Alpha)
			value = *st.TCPEMA
		} else {
			st.ConsecutiveFailures++
			st.TCPEMA = nil
		}
	case CheckURL:
		if res.OK() {
			st.URLEMA = UpdateEMA(st.URLEMA, float64(res.Millis), s.cfg.Alpha)
			value = *st.URLEMA
		} else {
			st.URLEMA = nil
		}
	}
	id := e.server.ID
	e.mu.Unlock()

	if s.sink != nil {
		s.sink.OnProbeResult(id, res.Mode, value)
	}
}

func (s *Scheduler) progress(done, total int) {
	if s.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("progress sink failed")
		}
	}()
	s.sink.OnProgress(done, total)
}

func (s *Scheduler) proxyAddress(id string) (string, bool) {
	if s.tunnel == nil {
		return "", false
	}
	addr, ok := s.tunnel.ProxyAddress(id)
	if !ok || addr == "" {
		return "", false
	}
	return addr, true
}

// ProbeNow probes ids immediately, ignoring backoff, with bounded
// concurrency. Unknown ids are skipped. It returns the resulting stats of the
// probed servers.
func (s *Scheduler) ProbeNow(ctx context.Context, ids []string) map[string]model.ServerStats {
	s.mu.RLock()
	batch := make([]*entry, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if e, ok := s.entries[id]; ok {
			batch = append(batch, e)
		}
	}
	s.mu.RUnlock()

	total := len(batch)
	var done atomic.Int32
	s.adhoc.Run(ctx, total, func(ctx context.Context, i int) {
		s.check(ctx, batch[i])
		s.progress(int(done.Add(1)), total)
	})

	out := make(map[string]model.ServerStats, total)
	for _, e := range batch {
		e.mu.Lock()
		out[e.server.ID] = e.stats.Clone()
		e.mu.Unlock()
	}
	return out
}

// Snapshot returns a deep copy of every tracked server's stats.
func (s *Scheduler) Snapshot() map[string]model.ServerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.ServerStats, len(s.entries))
	for id, e := range s.entries {
		e.mu.Lock()
		out[id] = e.stats.Clone()
		e.mu.Unlock()
	}
	return out
}

func (s *Scheduler) Stats(id string) (model.ServerStats, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return model.ServerStats{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.Clone(), true
}

// Servers returns the tracked servers in tracking order.
func (s *Scheduler) Servers() []model.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Server, 0, len(s.order))
	for _, id := range s.order {
		e := s.entries[id]
		e.mu.Lock()
		out = append(out, e.server)
		e.mu.Unlock()
	}
	return out
}

// Reset forgets the stats of one server; it stays tracked.
func (s *Scheduler) Reset(id string) bool {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	e.stats = model.ServerStats{}
	e.mu.Unlock()
	return true
}

func (s *Scheduler) ResetAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		e.mu.Lock()
		e.stats = model.ServerStats{}
		e.mu.Unlock()
	}
}
