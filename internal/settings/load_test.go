package settings

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/boxpilot/internal/fetch"
	"github.com/John-Robertt/boxpilot/internal/model"
	"github.com/John-Robertt/boxpilot/internal/rules"
)

func TestLoad_Sources(t *testing.T) {
	ctx := context.Background()

	d, err := Load(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultDNSServers, d.Policy.DNSServers)

	p := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(p, []byte("version: 1\ndns:\n  servers: [9.9.9.9]\n"), 0o600))
	d, err = Load(ctx, p, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"9.9.9.9"}, d.Policy.DNSServers)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("version: 1\nlog:\n  level: debug\n"))
	}))
	defer ts.Close()
	d, err = Load(ctx, ts.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "debug", d.Policy.LogLevel)

	_, err = Load(ctx, filepath.Join(t.TempDir(), "missing.yaml"), nil)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "SETTINGS_READ_ERROR", pe.AppError.Code)
}

func TestResolvePolicy_AppendsRemoteRules(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# comment\ndomain,example.org\nip,10.0.0.0/8,direct\n"))
	}))
	defer ts.Close()

	d := Default()
	d.Policy.CustomRules = []model.CustomRule{{Type: model.RuleDomain, Value: "inline.test", Action: model.ActionDirect}}
	d.RulesURL = ts.URL

	pol, err := d.ResolvePolicy(context.Background(), fetch.New(fetch.Options{}, nil))
	require.NoError(t, err)
	require.Len(t, pol.CustomRules, 3)
	assert.Equal(t, "inline.test", pol.CustomRules[0].Value)
	assert.Equal(t, "example.org", pol.CustomRules[1].Value)
	assert.Equal(t, model.ActionProxy, pol.CustomRules[1].Action)
	assert.Equal(t, model.ActionDirect, pol.CustomRules[2].Action)

	// The document keeps only its inline rules.
	assert.Len(t, d.Policy.CustomRules, 1)
}

func TestResolvePolicy_BadRemoteRules(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("domain,ok.test\nbogus,line\n"))
	}))
	defer ts.Close()

	d := Default()
	d.RulesURL = ts.URL
	_, err := d.ResolvePolicy(context.Background(), nil)
	var pe *rules.ParseError
	require.True(t, errors.As(err, &pe), "got %T: %v", err, err)
	assert.Equal(t, 2, pe.AppError.Line)
}
