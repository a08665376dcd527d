package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/John-Robertt/boxpilot/internal/model"
)

func TestWriteError_JSONShapeAndHeaders(t *testing.T) {
	metrics = newMetricsStore()
	t.Cleanup(func() { metrics = newMetricsStore() })

	rr := httptest.NewRecorder()
	WriteError(rr, http.StatusUnprocessableEntity, model.AppError{
		Code:    "CATALOG_PARSE_ERROR",
		Message: "服务器目录解析失败",
		Stage:   "load_catalog",
		URL:     "https://example.com/servers.yaml",
		Line:    12,
		Snippet: "type: vmess",
		Hint:    "type 必须是 ss/vmess/trojan/vless 之一",
	})

	if got, want := rr.Code, http.StatusUnprocessableEntity; got != want {
		t.Fatalf("status = %d, want %d", got, want)
	}
	if got, want := rr.Header().Get("Content-Type"), "application/json; charset=utf-8"; got != want {
		t.Fatalf("Content-Type = %q, want %q", got, want)
	}

	var resp model.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nbody=%q", err, rr.Body.String())
	}
	if resp.Error.Code != "CATALOG_PARSE_ERROR" {
		t.Fatalf("code = %q, want %q", resp.Error.Code, "CATALOG_PARSE_ERROR")
	}
	if resp.Error.Stage != "load_catalog" {
		t.Fatalf("stage = %q, want %q", resp.Error.Stage, "load_catalog")
	}
	if resp.Error.Line != 12 {
		t.Fatalf("line = %d, want %d", resp.Error.Line, 12)
	}
	if resp.Error.URL != "https://example.com/servers.yaml" {
		t.Fatalf("url = %q", resp.Error.URL)
	}
}

func TestWriteError_CountsByStageAndCode(t *testing.T) {
	metrics = newMetricsStore()
	t.Cleanup(func() { metrics = newMetricsStore() })

	WriteError(httptest.NewRecorder(), http.StatusNotFound, model.AppError{Code: "UNKNOWN_SERVER", Stage: "load_catalog"})
	WriteError(httptest.NewRecorder(), http.StatusNotFound, model.AppError{Code: "UNKNOWN_SERVER", Stage: "load_catalog"})
	WriteError(httptest.NewRecorder(), http.StatusBadRequest, model.AppError{Code: "INVALID_ARGUMENT", Stage: "validate_request"})
	WriteError(httptest.NewRecorder(), http.StatusInternalServerError, model.AppError{})

	s := metricsSnapshot()
	want := []struct {
		labels string
		n      uint64
	}{
		{`{stage="(unknown)",code="(unknown)"}`, 1},
		{`{stage="load_catalog",code="UNKNOWN_SERVER"}`, 2},
		{`{stage="validate_request",code="INVALID_ARGUMENT"}`, 1},
	}
	if len(s.errs) != len(want) {
		t.Fatalf("errs = %+v, want %d series", s.errs, len(want))
	}
	for i, w := range want {
		if s.errs[i].labels != w.labels || s.errs[i].n != w.n {
			t.Fatalf("errs[%d] = %s %d, want %s %d", i, s.errs[i].labels, s.errs[i].n, w.labels, w.n)
		}
	}
}

func TestWriteJSON_HeadersAndBody(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusAccepted, map[string]any{"server": "a", "score": 87.5})

	if got, want := rr.Code, http.StatusAccepted; got != want {
		t.Fatalf("status = %d, want %d", got, want)
	}
	if got, want := rr.Header().Get("Content-Type"), "application/json; charset=utf-8"; got != want {
		t.Fatalf("Content-Type = %q, want %q", got, want)
	}
	if got, want := rr.Header().Get("Cache-Control"), "no-store"; got != want {
		t.Fatalf("Cache-Control = %q, want %q", got, want)
	}
	if !strings.HasSuffix(rr.Body.String(), "\n") {
		t.Fatalf("body should end with a newline: %q", rr.Body.String())
	}

	var got struct {
		Server string  `json:"server"`
		Score  float64 `json:"score"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v\nbody=%q", err, rr.Body.String())
	}
	if got.Server != "a" || got.Score != 87.5 {
		t.Fatalf("body = %+v", got)
	}
}

func TestWriteJSON_DoesNotCountErrors(t *testing.T) {
	metrics = newMetricsStore()
	t.Cleanup(func() { metrics = newMetricsStore() })

	WriteJSON(httptest.NewRecorder(), http.StatusOK, model.ErrorResponse{Error: model.AppError{Code: "X", Stage: "y"}})
	if s := metricsSnapshot(); len(s.errs) != 0 {
		t.Fatalf("errs = %+v, want none", s.errs)
	}
}
