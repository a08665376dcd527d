package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/John-Robertt/boxpilot/internal/auth"
	"github.com/John-Robertt/boxpilot/internal/catalog"
	"github.com/John-Robertt/boxpilot/internal/compiler"
	"github.com/John-Robertt/boxpilot/internal/model"
	"github.com/John-Robertt/boxpilot/internal/monitor"
	"github.com/John-Robertt/boxpilot/internal/probe"
	"github.com/John-Robertt/boxpilot/internal/render"
	"github.com/John-Robertt/boxpilot/internal/selector"
	"github.com/John-Robertt/boxpilot/internal/settings"
)

func newCompileCmd() *cobra.Command {
	var (
		src    sourceFlags
		server string
		chain  string
		hops   []string
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile one server or a chain into a sing-box config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logrus.StandardLogger()
			target, ok := render.ParseTarget(format)
			if !ok {
				return fmt.Errorf("unsupported --format %q (json|yaml)", format)
			}
			fe := src.fetcher(log)
			doc, err := src.loadSettings(ctx, fe)
			if err != nil {
				return err
			}
			pol, err := doc.ResolvePolicy(ctx, fe)
			if err != nil {
				return err
			}
			cat, err := src.loadCatalog(ctx, fe, log)
			if err != nil {
				return err
			}
			sel, err := selectionOf(cat, server, chain, hops)
			if err != nil {
				return err
			}
			res, err := compiler.Compile(sel, pol)
			if err != nil {
				return err
			}
			for _, d := range res.Diagnostics {
				log.WithFields(logrus.Fields{"code": d.Code, "field": d.Field}).Warn(d.Message)
			}
			body, err := render.Render(target, res.Document)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(body)
				return err
			}
			return os.WriteFile(output, body, 0o600)
		},
	}
	src.register(cmd)
	fl := cmd.Flags()
	fl.StringVar(&server, "server", "", "Server id")
	fl.StringVar(&chain, "chain", "", "Chain id from the catalog")
	fl.StringSliceVar(&hops, "hops", nil, "Ad hoc chain: comma separated server ids, entry hop first")
	fl.StringVarP(&format, "format", "f", "json", "Output format: json or yaml")
	fl.StringVarP(&output, "output", "o", "-", "Output file ('-' for stdout)")
	return cmd
}

func selectionOf(cat *catalog.Catalog, server, chain string, hops []string) (compiler.Selection, error) {
	n := 0
	for _, set := range []bool{server != "", chain != "", len(hops) > 0} {
		if set {
			n++
		}
	}
	if n != 1 {
		return compiler.Selection{}, errors.New("exactly one of --server, --chain, --hops is required")
	}
	switch {
	case server != "":
		s, err := cat.Lookup([]string{server})
		if err != nil {
			return compiler.Selection{}, err
		}
		return compiler.Single(s[0]), nil
	case chain != "":
		hs, err := cat.ResolveChain(chain)
		if err != nil {
			return compiler.Selection{}, err
		}
		return compiler.ChainOf(hs...), nil
	default:
		hs, err := cat.Lookup(hops)
		if err != nil {
			return compiler.Selection{}, err
		}
		return compiler.ChainOf(hs...), nil
	}
}

type measurement struct {
	servers []model.Server
	stats   map[string]model.ServerStats
	doc     *settings.Document
}

// measure probes ids (every server when empty) once.
func measure(ctx context.Context, src *sourceFlags, ids []string, timeout time.Duration) (*measurement, error) {
	log := logrus.StandardLogger()
	fe := src.fetcher(log)
	doc, err := src.loadSettings(ctx, fe)
	if err != nil {
		return nil, err
	}
	cat, err := src.loadCatalog(ctx, fe, log)
	if err != nil {
		return nil, err
	}
	sch := monitor.New(doc.Monitor, probe.New(doc.Probe, log), monitor.WithLogger(log))
	sch.SetServers(cat.Servers)
	if len(ids) == 0 {
		for _, s := range cat.Servers {
			ids = append(ids, s.ID)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stats := sch.ProbeNow(ctx, ids)
	if len(stats) == 0 && len(ids) > 0 {
		return nil, fmt.Errorf("no known server among %s", strings.Join(ids, ","))
	}
	return &measurement{servers: sch.Servers(), stats: stats, doc: doc}, nil
}

func newProbeCmd() *cobra.Command {
	var (
		src     sourceFlags
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe [server-id...]",
		Short: "Measure TCP latency of catalog servers once",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := measure(cmd.Context(), &src, args, timeout)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPROTOCOL\tLATENCY")
			for _, s := range m.servers {
				st, ok := m.stats[s.ID]
				if !ok {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Protocol, latencyText(st))
			}
			return tw.Flush()
		},
	}
	src.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Timeout of the whole batch")
	return cmd
}

func newRankCmd() *cobra.Command {
	var (
		src       sourceFlags
		timeout   time.Duration
		countries []string
		protocols []string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Probe every server once and print them best first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := measure(cmd.Context(), &src, nil, timeout)
			if err != nil {
				return err
			}
			p := m.doc.Preferences
			if len(countries) > 0 {
				p.Countries = countries
			}
			if len(protocols) > 0 {
				p.Protocols = protocols
			}
			eng, err := selector.New(m.doc.Selection, selector.WithLogger(logrus.StandardLogger()))
			if err != nil {
				return err
			}
			ranked := eng.Rank(m.servers, m.stats, p)
			if limit > 0 && len(ranked) > limit {
				ranked = ranked[:limit]
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tID\tNAME\tSCORE\tLATENCY")
			for i, r := range ranked {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%.1f\t%s\n", i+1, r.ServerID, r.Name, r.Score, latencyText(m.stats[r.ServerID]))
			}
			return tw.Flush()
		},
	}
	src.register(cmd)
	fl := cmd.Flags()
	fl.DurationVar(&timeout, "timeout", 30*time.Second, "Timeout of the probe batch")
	fl.StringSliceVar(&countries, "country", nil, "Preferred countries (overrides settings)")
	fl.StringSliceVar(&protocols, "protocol", nil, "Preferred protocols (overrides settings)")
	fl.IntVar(&limit, "limit", 0, "Print at most this many servers")
	return cmd
}

func latencyText(st model.ServerStats) string {
	if ms, ok := st.LatencyEMA(); ok {
		return fmt.Sprintf("%.0fms", ms)
	}
	return "fail"
}

func newTokenCmd() *cobra.Command {
	var (
		secret string
		user   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			iss, err := auth.NewIssuer(secret, ttl)
			if err != nil {
				return err
			}
			tok, exp, err := iss.Issue(user)
			if err != nil {
				return err
			}
			logrus.WithField("expires_at", exp.Format(time.RFC3339)).Debug("token issued")
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&secret, "jwt-secret", getenv("BOXPILOT_JWT_SECRET", ""), "HS256 secret shared with serve")
	fl.StringVar(&user, "user", getenv("BOXPILOT_ADMIN_USER", "admin"), "Token subject")
	fl.DurationVar(&ttl, "ttl", getenvDuration("BOXPILOT_TOKEN_TTL", auth.DefaultTTL), "Token lifetime")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash for --admin-password-hash (reads stdin without an argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pw string
			if len(args) == 1 {
				pw = args[0]
			} else {
				line, err := readLine(cmd.InOrStdin())
				if err != nil {
					return err
				}
				pw = line
			}
			hash, err := auth.HashPassword(pw)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}

func readLine(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", errors.New("no password on stdin")
	}
	return strings.TrimRight(sc.Text(), "\r"), nil
}
