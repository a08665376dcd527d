package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/boxpilot/internal/compiler"
	"github.com/John-Robertt/boxpilot/internal/model"
	"github.com/John-Robertt/boxpilot/internal/render"
	"github.com/John-Robertt/boxpilot/internal/settings"
)

const headerDiagnostics = "X-Boxpilot-Diagnostics"

// compileRequest selects exactly one of Server, Chain or Hops.
type compileRequest struct {
	Server string   `json:"server"`
	Chain  string   `json:"chain"`
	Hops   []string `json:"hops"`

	// Policy is an inline settings YAML document; PolicyURL an http(s) one.
	// Without either the server's own settings apply.
	Policy    string `json:"policy"`
	PolicyURL string `json:"policy_url"`

	Format string `json:"format"`
	// Diagnostics wraps a JSON document as {"config": ..., "diagnostics": [...]}.
	Diagnostics bool `json:"diagnostics"`
}

type compileEnvelope struct {
	Config      json.RawMessage    `json:"config"`
	Diagnostics []model.Diagnostic `json:"diagnostics"`
}

func (a *api) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req compileRequest
	if err := decodeJSON(w, r, a.opt.MaxBodyBytes, &req, false); err != nil {
		writeErrorFromErr(w, err)
		return
	}
	target, ok := render.ParseTarget(req.Format)
	if !ok {
		writeErrorFromErr(w, requestError("INVALID_ARGUMENT", "不支持的 format（仅支持 json/yaml）", req.Format))
		return
	}
	if req.Diagnostics && target != render.TargetJSON {
		writeErrorFromErr(w, requestError("INVALID_ARGUMENT", "diagnostics 仅支持 format=json", ""))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.opt.CompileTimeout)
	defer cancel()

	sel, err := a.selection(req)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	pol, err := a.policy(ctx, req)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	res, err := compiler.Compile(sel, pol)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	for _, d := range res.Diagnostics {
		a.log.WithFields(logrus.Fields{"code": d.Code, "field": d.Field}).Warn(d.Message)
	}
	body, err := render.Render(target, res.Document)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}

	w.Header().Set(headerDiagnostics, strconv.Itoa(len(res.Diagnostics)))
	if req.Diagnostics {
		diags := res.Diagnostics
		if diags == nil {
			diags = []model.Diagnostic{}
		}
		WriteJSON(w, http.StatusOK, compileEnvelope{Config: body, Diagnostics: diags})
		return
	}
	w.Header().Set("Content-Type", target.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (a *api) selection(req compileRequest) (compiler.Selection, error) {
	n := 0
	for _, set := range []bool{strings.TrimSpace(req.Server) != "", strings.TrimSpace(req.Chain) != "", len(req.Hops) > 0} {
		if set {
			n++
		}
	}
	if n != 1 {
		return compiler.Selection{}, requestError("INVALID_ARGUMENT", "server、chain、hops 必须且只能指定一个", "")
	}

	cat := a.deps.Catalog.Current()
	switch {
	case req.Server != "":
		s, err := cat.Lookup([]string{strings.TrimSpace(req.Server)})
		if err != nil {
			return compiler.Selection{}, err
		}
		return compiler.Single(s[0]), nil
	case req.Chain != "":
		hops, err := cat.ResolveChain(strings.TrimSpace(req.Chain))
		if err != nil {
			return compiler.Selection{}, err
		}
		return compiler.ChainOf(hops...), nil
	default:
		hops, err := cat.Lookup(req.Hops)
		if err != nil {
			return compiler.Selection{}, err
		}
		return compiler.ChainOf(hops...), nil
	}
}

func (a *api) policy(ctx context.Context, req compileRequest) (model.Policy, error) {
	doc := a.deps.Settings
	switch {
	case req.Policy != "" && req.PolicyURL != "":
		return model.Policy{}, requestError("INVALID_ARGUMENT", "policy 与 policy_url 不能同时指定", "")
	case req.Policy != "":
		d, err := settings.ParsePolicyYAML("request", req.Policy)
		if err != nil {
			return model.Policy{}, err
		}
		doc = d
	case req.PolicyURL != "":
		u := strings.ToLower(strings.TrimSpace(req.PolicyURL))
		// Load also reads local paths; the API must not.
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return model.Policy{}, requestError("INVALID_ARGUMENT", "policy_url 仅允许 http/https", req.PolicyURL)
		}
		d, err := settings.Load(ctx, req.PolicyURL, a.deps.Fetcher)
		if err != nil {
			return model.Policy{}, err
		}
		doc = d
	}
	return doc.ResolvePolicy(ctx, a.deps.Fetcher)
}
