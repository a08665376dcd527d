package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/John-Robertt/boxpilot/internal/compiler"
	"github.com/John-Robertt/boxpilot/internal/model"
	"github.com/John-Robertt/boxpilot/internal/runtime"
	"github.com/John-Robertt/boxpilot/internal/selector"
)

type serverView struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Protocol model.Protocol  `json:"protocol"`
	Host     string          `json:"host"`
	Port     int             `json:"port"`
	Country  string          `json:"country,omitempty"`
	Location *model.Location `json:"location,omitempty"`
}

type chainView struct {
	ID   string   `json:"id"`
	Name string   `json:"name,omitempty"`
	Hops []string `json:"hops"`
}

// handleServers lists the catalog without credentials.
func (a *api) handleServers(w http.ResponseWriter, r *http.Request) {
	cat := a.deps.Catalog.Current()
	out := struct {
		Servers []serverView `json:"servers"`
		Chains  []chainView  `json:"chains"`
	}{Servers: []serverView{}, Chains: []chainView{}}
	for _, s := range cat.Servers {
		out.Servers = append(out.Servers, serverView{
			ID: s.ID, Name: s.Name, Protocol: s.Protocol, Host: s.Host, Port: s.Port,
			Country: s.Country, Location: s.Location,
		})
	}
	for _, c := range cat.Chains {
		out.Chains = append(out.Chains, chainView{ID: c.ID, Name: c.Name, Hops: c.Hops})
	}
	WriteJSON(w, http.StatusOK, out)
}

type statsView struct {
	ServerID string `json:"server_id"`
	Name     string `json:"name,omitempty"`
	model.ServerStats
}

func (a *api) statsOf(servers []model.Server, snap map[string]model.ServerStats) []statsView {
	out := make([]statsView, 0, len(servers))
	for _, s := range servers {
		st, ok := snap[s.ID]
		if !ok {
			continue
		}
		out = append(out, statsView{ServerID: s.ID, Name: s.Name, ServerStats: st})
	}
	return out
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	sch := a.deps.Scheduler
	WriteJSON(w, http.StatusOK, a.statsOf(sch.Servers(), sch.Snapshot()))
}

type resetRequest struct {
	ServerID string `json:"server_id"`
}

func (a *api) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(w, r, a.opt.MaxBodyBytes, &req, true); err != nil {
		writeErrorFromErr(w, err)
		return
	}
	if req.ServerID == "" {
		a.deps.Scheduler.ResetAll()
		WriteJSON(w, http.StatusOK, map[string]int{"reset": len(a.deps.Scheduler.Servers())})
		return
	}
	if !a.deps.Scheduler.Reset(req.ServerID) {
		writeErrorFromErr(w, notFound("UNKNOWN_SERVER", "服务器不存在："+req.ServerID))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"reset": 1})
}

type probeRequest struct {
	IDs []string `json:"ids"`
}

// handleProbe measures the given servers now, ignoring backoff. No ids
// means every scheduled server.
func (a *api) handleProbe(w http.ResponseWriter, r *http.Request) {
	var req probeRequest
	if err := decodeJSON(w, r, a.opt.MaxBodyBytes, &req, true); err != nil {
		writeErrorFromErr(w, err)
		return
	}
	sch := a.deps.Scheduler
	servers := sch.Servers()
	ids := req.IDs
	if len(ids) == 0 {
		for _, s := range servers {
			ids = append(ids, s.ID)
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.opt.ProbeTimeout)
	defer cancel()
	got := sch.ProbeNow(ctx, ids)
	if len(got) == 0 && len(ids) > 0 {
		writeErrorFromErr(w, notFound("UNKNOWN_SERVER", "没有可探测的服务器"))
		return
	}
	WriteJSON(w, http.StatusOK, a.statsOf(servers, got))
}

// preferencesFrom overlays ?country= and ?protocol= on the configured
// preferences.
func (a *api) preferencesFrom(r *http.Request) selector.Preferences {
	p := a.deps.Settings.Preferences
	q := r.URL.Query()
	if cs := splitQuery(q["country"]); len(cs) > 0 {
		p.Countries = cs
	}
	if ps := splitQuery(q["protocol"]); len(ps) > 0 {
		p.Protocols = ps
	}
	return p
}

func splitQuery(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (a *api) handleRank(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeErrorFromErr(w, requestError("INVALID_ARGUMENT", "limit 必须是非负整数", raw))
			return
		}
		limit = n
	}
	ranked := a.deps.Engine.Rank(a.deps.Catalog.Current().Servers, a.deps.Scheduler.Snapshot(), a.preferencesFrom(r))
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	if ranked == nil {
		ranked = []selector.Ranked{}
	}
	WriteJSON(w, http.StatusOK, ranked)
}

type selectRequest struct {
	Preferences *selector.Preferences `json:"preferences"`
	// Apply compiles the winner and hands it to the runtime.
	Apply bool `json:"apply"`
}

type selectResponse struct {
	Selected    selector.Ranked `json:"selected"`
	Applied     bool            `json:"applied"`
	Diagnostics int             `json:"diagnostics"`
}

func (a *api) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decodeJSON(w, r, a.opt.MaxBodyBytes, &req, true); err != nil {
		writeErrorFromErr(w, err)
		return
	}
	if req.Apply && a.deps.Runtime == nil {
		writeErrorFromErr(w, requestError("INVALID_ARGUMENT", "未配置运行时，无法 apply", ""))
		return
	}
	prefs := a.preferencesFrom(r)
	if req.Preferences != nil {
		prefs = *req.Preferences
	}

	best, ok := a.deps.Engine.Select(r.Context(), a.deps.Catalog.Current().Servers, a.deps.Scheduler.Snapshot(), prefs)
	if !ok {
		writeErrorFromErr(w, notFound("NO_CANDIDATE", "没有可选择的服务器"))
		return
	}
	resp := selectResponse{Selected: best}
	if req.Apply {
		ctx, cancel := context.WithTimeout(r.Context(), a.opt.CompileTimeout)
		defer cancel()
		pol, err := a.deps.Settings.ResolvePolicy(ctx, a.deps.Fetcher)
		if err != nil {
			writeErrorFromErr(w, err)
			return
		}
		res, err := runtime.Launch(ctx, a.deps.Runtime, compiler.Single(best.Server), pol, a.log)
		if err != nil {
			writeErrorFromErr(w, err)
			return
		}
		resp.Applied = true
		resp.Diagnostics = len(res.Diagnostics)
	}
	WriteJSON(w, http.StatusOK, resp)
}

type outcomeRequest struct {
	ServerID string                  `json:"server_id"`
	Success  bool                    `json:"success"`
	Metrics  *selector.MetricsUpdate `json:"metrics"`
}

type outcomeResponse struct {
	Recorded bool              `json:"recorded"`
	Metrics  *selector.Metrics `json:"metrics,omitempty"`
}

func (a *api) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := decodeJSON(w, r, a.opt.MaxBodyBytes, &req, false); err != nil {
		writeErrorFromErr(w, err)
		return
	}
	if strings.TrimSpace(req.ServerID) == "" {
		writeErrorFromErr(w, requestError("INVALID_ARGUMENT", "server_id 不能为空", ""))
		return
	}
	resp := outcomeResponse{Recorded: a.deps.Engine.ReportOutcome(r.Context(), req.ServerID, req.Success)}
	if req.Metrics != nil {
		u := *req.Metrics
		if u.Success == nil {
			u.Success = &req.Success
		}
		m := a.deps.Engine.UpdateMetrics(req.ServerID, u)
		resp.Metrics = &m
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (a *api) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, a.deps.Engine.Analytics(a.deps.Scheduler.Snapshot()))
}

func (a *api) handleGetWeights(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, a.deps.Engine.Weights())
}

func (a *api) handleSetWeights(w http.ResponseWriter, r *http.Request) {
	var wt selector.Weights
	if err := decodeJSON(w, r, a.opt.MaxBodyBytes, &wt, false); err != nil {
		writeErrorFromErr(w, err)
		return
	}
	if err := a.deps.Engine.SetWeights(wt); err != nil {
		writeErrorFromErr(w, requestError("INVALID_WEIGHTS", "权重不合法", err.Error()))
		return
	}
	WriteJSON(w, http.StatusOK, a.deps.Engine.Weights())
}
