package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/boxpilot/internal/model"
)

const sampleCatalog = `
servers:
  - id: de-1
    name: Frankfurt
    protocol: vless
    server: de.example.com
    port: 443
    country: DE
    location: {lat: 50.11, lon: 8.68}
    tls_enabled: true
    sni: cdn.example.com
    transport: ws
    ws_path: /ray
    uuid: 11111111-2222-3333-4444-555555555555
  - id: nl-1
    name: Amsterdam
    protocol: ss
    server: nl.example.com
    port: 8388
    method: aes-128-gcm
    password: secret
  - name: Home
    protocol: wg
    server: vpn.example.com
    port: 51820
    private_key: aaaa
    public_key: bbbb
    local_address: ["10.0.0.2/32"]
    allowed_ips: ["0.0.0.0/0, ::/0"]
chains:
  - name: de-then-nl
    nodes: [de-1, nl-1]
`

func requireCatalogError(t *testing.T, err error, code string) *CatalogError {
	t.Helper()
	var ce *CatalogError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CatalogError, got %T: %v", err, err)
	}
	if ce.AppError.Code != code {
		t.Fatalf("code=%q, want=%q (%v)", ce.AppError.Code, code, err)
	}
	return ce
}

func TestParseCatalogYAML(t *testing.T) {
	c, err := ParseCatalogYAML("catalog.yaml", sampleCatalog)
	require.NoError(t, err)
	require.Len(t, c.Servers, 3)

	de := c.Servers[0]
	assert.Equal(t, model.ProtocolVLESS, de.Protocol)
	assert.Equal(t, "DE", de.Country)
	require.NotNil(t, de.Location)
	assert.InDelta(t, 50.11, de.Location.Lat, 1e-9)
	v, ok := de.Settings.(model.VLESS)
	require.True(t, ok)
	require.NotNil(t, v.TLS)
	assert.Equal(t, "cdn.example.com", v.TLS.ServerName)
	assert.True(t, v.Transport.IsWebsocket())
	assert.Equal(t, "/ray", v.Transport.Path)

	assert.Equal(t, model.ProtocolShadowsocks, c.Servers[1].Protocol)

	wg := c.Servers[2]
	assert.Equal(t, StableID("Home", "vpn.example.com", 51820), wg.ID)
	w := wg.Settings.(model.WireGuard)
	assert.Equal(t, []string{"0.0.0.0/0", "::/0"}, w.AllowedIPs)

	require.Len(t, c.Chains, 1)
	assert.Equal(t, "de-then-nl", c.Chains[0].ID)

	hops, err := c.ResolveChain("de-then-nl")
	require.NoError(t, err)
	require.Len(t, hops, 2)
	assert.Equal(t, "de-1", hops[0].ID)
	assert.Equal(t, "nl-1", hops[1].ID)
}

func TestParseCatalogYAML_Empty(t *testing.T) {
	c, err := ParseCatalogYAML("empty", "")
	require.NoError(t, err)
	assert.Empty(t, c.Servers)
}

func TestParseCatalogYAML_Errors(t *testing.T) {
	cases := []struct {
		name    string
		content string
		code    string
	}{
		{"unknown key", "servers: []\nextra: 1\n", "CATALOG_PARSE_ERROR"},
		{"two documents", "servers: []\n---\nservers: []\n", "CATALOG_PARSE_ERROR"},
		{"unknown protocol", "servers:\n  - {protocol: gopher, server: a, port: 1}\n", "UNKNOWN_PROTOCOL"},
		{"missing host", "servers:\n  - {protocol: ss, port: 1}\n", "MISSING_FIELD"},
		{"bad port", "servers:\n  - {protocol: ss, server: a, port: 70000}\n", "INVALID_FIELD"},
		{"duplicate", "servers:\n  - {id: a, protocol: ss, server: a, port: 1}\n  - {id: a, protocol: ss, server: b, port: 1}\n", "DUPLICATE_SERVER"},
		{"short chain", "servers:\n  - {id: a, protocol: ss, server: a, port: 1}\nchains:\n  - {name: c, nodes: [a]}\n", "CHAIN_TOO_SHORT"},
		{"dangling hop", "servers:\n  - {id: a, protocol: ss, server: a, port: 1}\nchains:\n  - {name: c, nodes: [a, b]}\n", "UNKNOWN_SERVER"},
		{"nameless chain", "servers:\n  - {id: a, protocol: ss, server: a, port: 1}\nchains:\n  - {nodes: [a, a]}\n", "MISSING_FIELD"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseCatalogYAML("catalog.yaml", tc.content)
			ce := requireCatalogError(t, err, tc.code)
			assert.Equal(t, "load_catalog", ce.AppError.Stage)
		})
	}
}

func TestDecode_RealityForcesTLS(t *testing.T) {
	s, err := Record{Protocol: "reality", Server: "r.example.com", Port: 443, UUID: "u", SNI: "www.apple.com"}.Decode()
	require.NoError(t, err)
	v := s.Settings.(model.VLESS)
	require.NotNil(t, v.TLS)
	assert.True(t, v.TLS.Enabled)
	assert.Equal(t, "www.apple.com", v.TLS.ServerName)

	s, err = Record{Protocol: "vless", Server: "plain.example.com", Port: 80, UUID: "u"}.Decode()
	require.NoError(t, err)
	assert.Nil(t, s.Settings.(model.VLESS).TLS)
}

func TestStableID(t *testing.T) {
	a := StableID("n", "h", 1)
	assert.Equal(t, a, StableID("n", "h", 1))
	assert.NotEqual(t, a, StableID("n", "h", 2))
	assert.Len(t, a, 36)
}

func TestLookup(t *testing.T) {
	c, err := ParseCatalogYAML("catalog.yaml", sampleCatalog)
	require.NoError(t, err)

	got, err := c.Lookup([]string{"nl-1", "de-1"})
	require.NoError(t, err)
	assert.Equal(t, "nl-1", got[0].ID)
	assert.Equal(t, "de-1", got[1].ID)

	_, err = c.Lookup([]string{"nope"})
	requireCatalogError(t, err, "UNKNOWN_SERVER")
	_, err = c.ResolveChain("nope")
	requireCatalogError(t, err, "UNKNOWN_CHAIN")
}

func TestFileSource(t *testing.T) {
	p := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(p, []byte(sampleCatalog), 0o600))

	c, err := FileSource{Path: p}.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, c.Servers, 3)

	_, err = FileSource{Path: filepath.Join(t.TempDir(), "missing.yaml")}.Load(context.Background())
	requireCatalogError(t, err, "CATALOG_READ_ERROR")
}

func TestFetchSource(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleCatalog))
	}))
	defer ts.Close()

	c, err := FetchSource{URL: ts.URL}.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, c.Chains, 1)
}

// fakeConsul serves GET /v1/kv/<prefix>/?recurse with the pairs returned by
// next for the n-th call. A nil result blocks until the client gives up.
func fakeConsul(t *testing.T, prefix string, next func(n int) ([]consulapi.KVPair, uint64)) *httptest.Server {
	t.Helper()
	var calls atomic.Int64
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/kv/"+prefix+"/" {
			http.NotFound(w, r)
			return
		}
		pairs, index := next(int(calls.Add(1)))
		if pairs == nil {
			<-r.Context().Done()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Consul-Index", strconv.FormatUint(index, 10))
		w.Header().Set("X-Consul-LastContact", "0")
		w.Header().Set("X-Consul-KnownLeader", "true")
		_ = json.NewEncoder(w).Encode(pairs)
	}))
}

func kvJSON(t *testing.T, key string, v any) consulapi.KVPair {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return consulapi.KVPair{Key: key, Value: b}
}

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestConsulSource_Load(t *testing.T) {
	pairs := []consulapi.KVPair{
		kvJSON(t, "bp/servers/a", Record{Protocol: "ss", Server: "a.example.com", Port: 1, Method: "m", Password: "p"}),
		kvJSON(t, "bp/servers/b", Record{ID: "bee", Protocol: "trojan", Server: "b.example.com", Port: 443, Password: "p"}),
		kvJSON(t, "bp/chains/ab", ChainRecord{Nodes: []string{"a", "bee"}}),
		{Key: "bp/servers/"},
	}
	ts := fakeConsul(t, "bp", func(int) ([]consulapi.KVPair, uint64) { return pairs, 7 })
	defer ts.Close()

	src, err := NewConsulSource(ConsulConfig{Address: ts.URL, Prefix: "/bp/"}, quietLog())
	require.NoError(t, err)
	c, err := src.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, c.Servers, 2)
	assert.Equal(t, "a", c.Servers[0].ID)
	assert.Equal(t, "bee", c.Servers[1].ID)
	require.Len(t, c.Chains, 1)
	assert.Equal(t, "ab", c.Chains[0].ID)
	assert.Equal(t, []string{"a", "bee"}, c.Chains[0].Hops)
}

func TestConsulSource_LoadBadJSON(t *testing.T) {
	ts := fakeConsul(t, "boxpilot", func(int) ([]consulapi.KVPair, uint64) {
		return []consulapi.KVPair{{Key: "boxpilot/servers/x", Value: []byte("{")}}, 1
	})
	defer ts.Close()

	src, err := NewConsulSource(ConsulConfig{Address: ts.URL}, quietLog())
	require.NoError(t, err)
	_, err = src.Load(context.Background())
	requireCatalogError(t, err, "CATALOG_PARSE_ERROR")
}

func TestConsulSource_Watch(t *testing.T) {
	one := kvJSON(t, "bp/servers/a", Record{Protocol: "ss", Server: "a.example.com", Port: 1, Method: "m", Password: "p"})
	two := kvJSON(t, "bp/servers/b", Record{Protocol: "ss", Server: "b.example.com", Port: 1, Method: "m", Password: "p"})
	ts := fakeConsul(t, "bp", func(n int) ([]consulapi.KVPair, uint64) {
		switch n {
		case 1:
			return []consulapi.KVPair{one}, 10
		case 2:
			// Blocking query timed out with no change.
			return []consulapi.KVPair{one}, 10
		case 3:
			return []consulapi.KVPair{one, two}, 11
		default:
			return nil, 0
		}
	})
	defer ts.Close()

	src, err := NewConsulSource(ConsulConfig{Address: ts.URL, Prefix: "bp"}, quietLog())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan int, 4)
	done := make(chan error, 1)
	go func() {
		done <- src.Watch(ctx, func(c *Catalog) { got <- len(c.Servers) })
	}()

	for _, want := range []int{1, 2} {
		select {
		case n := <-got:
			assert.Equal(t, want, n)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for catalog with %d servers", want)
		}
	}
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.Empty(t, got)
}

func TestLive(t *testing.T) {
	l := NewLive(nil)
	assert.NotNil(t, l.Current())
	assert.Empty(t, l.Current().Servers)

	c, err := ParseCatalogYAML("catalog.yaml", sampleCatalog)
	require.NoError(t, err)
	l.Replace(c)
	assert.Same(t, c, l.Current())
}
