package httpapi

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/John-Robertt/boxpilot/internal/model"
)

// metricsStore is a handful of counters rendered in the Prometheus text
// format.
type metricsStore struct {
	mu sync.Mutex

	httpRequestsTotal uint64
	httpByPattern     map[reqKey]uint64

	appErrors map[errKey]uint64

	probeResults  map[probeKey]uint64
	droppedEvents uint64
	subscribers   int
}

type reqKey struct {
	Pattern string
	Status  int
}

type errKey struct {
	Stage string
	Code  string
}

type probeKey struct {
	Mode   string
	Result string
}

func newMetricsStore() *metricsStore {
	return &metricsStore{
		httpByPattern: make(map[reqKey]uint64),
		appErrors:     make(map[errKey]uint64),
		probeResults:  make(map[probeKey]uint64),
	}
}

var metrics = newMetricsStore()

func metricsIncRequest(pattern string, status int) {
	if status == 0 {
		status = http.StatusOK
	}
	if pattern == "" {
		pattern = "(unknown)"
	}

	metrics.mu.Lock()
	metrics.httpRequestsTotal++
	metrics.httpByPattern[reqKey{Pattern: pattern, Status: status}]++
	metrics.mu.Unlock()
}

func metricsIncAppError(stage, code string) {
	stage = strings.TrimSpace(stage)
	code = strings.TrimSpace(code)
	if stage == "" {
		stage = "(unknown)"
	}
	if code == "" {
		code = "(unknown)"
	}

	metrics.mu.Lock()
	metrics.appErrors[errKey{Stage: stage, Code: code}]++
	metrics.mu.Unlock()
}

func metricsIncProbeResult(mode model.ProbeMode, ok bool) {
	result := "ok"
	if !ok {
		result = "fail"
	}
	metrics.mu.Lock()
	metrics.probeResults[probeKey{Mode: string(mode), Result: result}]++
	metrics.mu.Unlock()
}

func metricsIncDroppedEvent() {
	metrics.mu.Lock()
	metrics.droppedEvents++
	metrics.mu.Unlock()
}

func metricsSetSubscribers(n int) {
	metrics.mu.Lock()
	metrics.subscribers = n
	metrics.mu.Unlock()
}

type counter struct {
	labels string
	n      uint64
}

type snapshot struct {
	httpTotal   uint64
	reqs        []counter
	errs        []counter
	probes      []counter
	dropped     uint64
	subscribers int
}

func metricsSnapshot() snapshot {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()

	s := snapshot{
		httpTotal:   metrics.httpRequestsTotal,
		dropped:     metrics.droppedEvents,
		subscribers: metrics.subscribers,
	}
	for k, n := range metrics.httpByPattern {
		s.reqs = append(s.reqs, counter{labels: labels("pattern", k.Pattern, "status", strconv.Itoa(k.Status)), n: n})
	}
	for k, n := range metrics.appErrors {
		s.errs = append(s.errs, counter{labels: labels("stage", k.Stage, "code", k.Code), n: n})
	}
	for k, n := range metrics.probeResults {
		s.probes = append(s.probes, counter{labels: labels("mode", k.Mode, "result", k.Result), n: n})
	}
	for _, cs := range [][]counter{s.reqs, s.errs, s.probes} {
		sort.Slice(cs, func(i, j int) bool { return cs[i].labels < cs[j].labels })
	}
	return s
}

func labels(kv ...string) string {
	var b strings.Builder
	b.WriteByte('{')
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(kv[i])
		b.WriteString(`="`)
		b.WriteString(promLabelEscape(kv[i+1]))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	s := metricsSnapshot()
	var b strings.Builder

	family := func(name, typ, help string) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
	}
	series := func(name string, cs []counter) {
		for _, c := range cs {
			fmt.Fprintf(&b, "%s%s %d\n", name, c.labels, c.n)
		}
	}

	family("boxpilot_http_requests_total", "counter", "Total HTTP requests.")
	fmt.Fprintf(&b, "boxpilot_http_requests_total %d\n", s.httpTotal)

	family("boxpilot_http_requests_by_pattern_total", "counter", "HTTP requests by ServeMux pattern and status.")
	series("boxpilot_http_requests_by_pattern_total", s.reqs)

	family("boxpilot_app_errors_total", "counter", "Application errors returned to clients.")
	series("boxpilot_app_errors_total", s.errs)

	family("boxpilot_probe_results_total", "counter", "Scheduler probe results by mode and outcome.")
	series("boxpilot_probe_results_total", s.probes)

	family("boxpilot_events_dropped_total", "counter", "Events not delivered to slow websocket subscribers.")
	fmt.Fprintf(&b, "boxpilot_events_dropped_total %d\n", s.dropped)

	family("boxpilot_event_subscribers", "gauge", "Connected websocket subscribers.")
	fmt.Fprintf(&b, "boxpilot_event_subscribers %d\n", s.subscribers)

	_, _ = fmt.Fprint(w, b.String())
}

func promLabelEscape(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
