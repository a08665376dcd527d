package httpapi

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/boxpilot/internal/auth"
	"github.com/John-Robertt/boxpilot/internal/catalog"
	"github.com/John-Robertt/boxpilot/internal/fetch"
	"github.com/John-Robertt/boxpilot/internal/monitor"
	"github.com/John-Robertt/boxpilot/internal/runtime"
	"github.com/John-Robertt/boxpilot/internal/selector"
	"github.com/John-Robertt/boxpilot/internal/settings"
)

// Deps are the long-lived components the API drives. Scheduler and Engine
// are required; the rest are optional.
type Deps struct {
	Catalog   *catalog.Live
	Settings  *settings.Document
	Fetcher   *fetch.Fetcher
	Scheduler *monitor.Scheduler
	Engine    *selector.Engine
	Hub       *Hub
	// Runtime receives the document of POST /api/select with apply=true.
	Runtime runtime.Runtime

	// Auth nil leaves /api open.
	Auth      *auth.Issuer
	AdminUser string
	AdminHash string
}

type api struct {
	deps Deps
	opt  Options
	log  logrus.FieldLogger
}

func NewMux(deps Deps, opt Options) *http.ServeMux {
	opt = opt.withDefaults()
	if deps.Catalog == nil {
		deps.Catalog = catalog.NewLive(nil)
	}
	if deps.Settings == nil {
		deps.Settings = settings.Default()
	}
	if deps.Fetcher == nil {
		deps.Fetcher = fetch.New(fetch.Options{}, opt.Logger)
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(opt.Logger)
	}
	a := &api{deps: deps, opt: opt, log: opt.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /metrics", handleMetrics)
	mux.HandleFunc("POST /api/token", a.handleToken)

	mux.Handle("POST /api/compile", a.guard(a.handleCompile))
	mux.Handle("GET /api/servers", a.guard(a.handleServers))
	mux.Handle("GET /api/stats", a.guard(a.handleStats))
	mux.Handle("POST /api/stats/reset", a.guard(a.handleStatsReset))
	mux.Handle("POST /api/probe", a.guard(a.handleProbe))
	mux.Handle("GET /api/rank", a.guard(a.handleRank))
	mux.Handle("POST /api/select", a.guard(a.handleSelect))
	mux.Handle("POST /api/outcome", a.guard(a.handleOutcome))
	mux.Handle("GET /api/analytics", a.guard(a.handleAnalytics))
	mux.Handle("GET /api/weights", a.guard(a.handleGetWeights))
	mux.Handle("PUT /api/weights", a.guard(a.handleSetWeights))
	mux.Handle("GET /api/events", a.guard(deps.Hub.ServeHTTP))
	return mux
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteText(w, http.StatusOK, "ok\n")
}
