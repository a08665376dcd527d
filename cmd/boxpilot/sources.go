package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/John-Robertt/boxpilot/internal/catalog"
	"github.com/John-Robertt/boxpilot/internal/fetch"
	"github.com/John-Robertt/boxpilot/internal/settings"
)

// sourceFlags locate the settings document and the server catalog. Every
// subcommand that touches servers shares them.
type sourceFlags struct {
	settings     string
	catalog      string
	consul       catalog.ConsulConfig
	fetchTimeout time.Duration
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.settings, "settings", getenv("BOXPILOT_SETTINGS", ""), "Settings YAML: file path or http(s) URL (defaults apply when empty)")
	fl.StringVar(&f.catalog, "catalog", getenv("BOXPILOT_CATALOG", "servers.yaml"), "Catalog YAML: file path or http(s) URL")
	fl.StringVar(&f.consul.Address, "consul-addr", getenv("BOXPILOT_CONSUL_ADDR", ""), "Consul address; when set the catalog is read from Consul KV")
	fl.StringVar(&f.consul.Token, "consul-token", getenv("BOXPILOT_CONSUL_TOKEN", ""), "Consul ACL token")
	fl.StringVar(&f.consul.Prefix, "consul-prefix", getenv("BOXPILOT_CONSUL_PREFIX", catalog.DefaultConsulPrefix), "Consul KV prefix holding servers/ and chains/")
	fl.DurationVar(&f.fetchTimeout, "fetch-timeout", getenvDuration("BOXPILOT_FETCH_TIMEOUT", fetch.DefaultTimeout), "Timeout of one remote fetch")
}

func (f *sourceFlags) fetcher(log logrus.FieldLogger) *fetch.Fetcher {
	return fetch.New(fetch.Options{Timeout: f.fetchTimeout}, log)
}

func (f *sourceFlags) loadSettings(ctx context.Context, fe *fetch.Fetcher) (*settings.Document, error) {
	return settings.Load(ctx, f.settings, fe)
}

// catalogSource returns the configured source. The Consul source is also
// returned on its own so serve can watch it.
func (f *sourceFlags) catalogSource(fe *fetch.Fetcher, log logrus.FieldLogger) (catalog.Source, *catalog.ConsulSource, error) {
	if strings.TrimSpace(f.consul.Address) != "" {
		cs, err := catalog.NewConsulSource(f.consul, log)
		if err != nil {
			return nil, nil, err
		}
		return cs, cs, nil
	}
	ref := strings.TrimSpace(f.catalog)
	if ref == "" {
		return nil, nil, errors.New("--catalog or --consul-addr is required")
	}
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return catalog.FetchSource{URL: ref, Fetcher: fe}, nil, nil
	}
	return catalog.FileSource{Path: ref}, nil, nil
}

func (f *sourceFlags) loadCatalog(ctx context.Context, fe *fetch.Fetcher, log logrus.FieldLogger) (*catalog.Catalog, error) {
	src, _, err := f.catalogSource(fe, log)
	if err != nil {
		return nil, err
	}
	return src.Load(ctx)
}
