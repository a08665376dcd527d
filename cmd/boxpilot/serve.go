package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/John-Robertt/boxpilot/internal/auth"
	"github.com/John-Robertt/boxpilot/internal/catalog"
	"github.com/John-Robertt/boxpilot/internal/compiler"
	"github.com/John-Robertt/boxpilot/internal/history"
	"github.com/John-Robertt/boxpilot/internal/httpapi"
	"github.com/John-Robertt/boxpilot/internal/model"
	"github.com/John-Robertt/boxpilot/internal/monitor"
	"github.com/John-Robertt/boxpilot/internal/probe"
	"github.com/John-Robertt/boxpilot/internal/runtime"
	"github.com/John-Robertt/boxpilot/internal/selector"
)

const defaultListen = "127.0.0.1:25600"

type serveOptions struct {
	src sourceFlags

	listen            string
	readHeaderTimeout time.Duration
	compileTimeout    time.Duration
	probeTimeout      time.Duration
	shutdownTimeout   time.Duration

	historyDB string

	singBox       string
	workDir       string
	probeCore     bool
	probeBasePort int
	apply         bool

	jwtSecret string
	tokenTTL  time.Duration
	adminUser string
	adminHash string
}

func newServeCmd() *cobra.Command {
	var o serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the measurement loop, the selector and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), o)
		},
	}
	o.src.register(cmd)
	fl := cmd.Flags()
	fl.StringVar(&o.listen, "listen", getenv("BOXPILOT_LISTEN", defaultListen), "HTTP listen address")
	fl.DurationVar(&o.readHeaderTimeout, "read-header-timeout", 5*time.Second, "HTTP ReadHeaderTimeout")
	fl.DurationVar(&o.compileTimeout, "compile-timeout", 60*time.Second, "Timeout of one compile request, remote fetches included")
	fl.DurationVar(&o.probeTimeout, "probe-timeout", 30*time.Second, "Timeout of one on-demand probe batch")
	fl.DurationVar(&o.shutdownTimeout, "shutdown-timeout", 10*time.Second, "Graceful shutdown wait after a stop signal")
	fl.StringVar(&o.historyDB, "history-db", getenv("BOXPILOT_HISTORY_DB", ""), "SQLite file persisting selection history (memory only when empty)")
	fl.StringVar(&o.singBox, "sing-box", getenv("BOXPILOT_SING_BOX", runtime.DefaultBinary), "sing-box binary")
	fl.StringVar(&o.workDir, "work-dir", getenv("BOXPILOT_WORK_DIR", filepath.Join(os.TempDir(), "boxpilot")), "Directory for generated sing-box configs")
	fl.BoolVar(&o.probeCore, "probe-core", getenvBool("BOXPILOT_PROBE_CORE", false), "Run a sing-box probe core so checks go through each server")
	fl.IntVar(&o.probeBasePort, "probe-base-port", getenvInt("BOXPILOT_PROBE_BASE_PORT", compiler.DefaultProbeBasePort), "First local port of the probe core listeners")
	fl.BoolVar(&o.apply, "apply", getenvBool("BOXPILOT_APPLY", false), "Let POST /api/select apply the winner to a managed sing-box")
	fl.StringVar(&o.jwtSecret, "jwt-secret", getenv("BOXPILOT_JWT_SECRET", ""), "HS256 secret; enables bearer auth on /api")
	fl.DurationVar(&o.tokenTTL, "token-ttl", getenvDuration("BOXPILOT_TOKEN_TTL", auth.DefaultTTL), "Lifetime of issued tokens")
	fl.StringVar(&o.adminUser, "admin-user", getenv("BOXPILOT_ADMIN_USER", "admin"), "Username accepted by POST /api/token")
	fl.StringVar(&o.adminHash, "admin-password-hash", getenv("BOXPILOT_ADMIN_PASSWORD_HASH", ""), "bcrypt hash of the admin password (see hash-password)")
	return cmd
}

func runServe(parent context.Context, o serveOptions) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logrus.StandardLogger()

	fe := o.src.fetcher(log)
	doc, err := o.src.loadSettings(ctx, fe)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	pol, err := doc.ResolvePolicy(ctx, fe)
	if err != nil {
		return fmt.Errorf("resolve policy: %w", err)
	}
	src, watched, err := o.src.catalogSource(fe, log)
	if err != nil {
		return err
	}
	cat, err := src.Load(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	live := catalog.NewLive(cat)
	log.WithFields(logrus.Fields{"servers": len(cat.Servers), "chains": len(cat.Chains)}).Info("catalog loaded")

	hub := httpapi.NewHub(log)
	defer hub.Close()

	schOpts := []monitor.Option{monitor.WithLogger(log), monitor.WithSink(hub)}
	var core *runtime.ProbeCore
	if o.probeCore {
		rt := runtime.NewExec(runtime.ExecConfig{Binary: o.singBox, WorkDir: filepath.Join(o.workDir, "probe")}, log)
		core = runtime.NewProbeCore(rt, o.probeBasePort)
		schOpts = append(schOpts, monitor.WithTunnel(core))
		startProbeCore(ctx, core, cat.Servers, pol, log)
		defer func() { _ = core.Stop() }()
	}
	sch := monitor.New(doc.Monitor, probe.New(doc.Probe, log), schOpts...)
	sch.Start(ctx, cat.Servers)
	defer sch.Stop()

	engOpts := []selector.Option{selector.WithLogger(log)}
	if o.historyDB != "" {
		store, err := history.Open(ctx, o.historyDB)
		if err != nil {
			return err
		}
		defer store.Close()
		engOpts = append(engOpts, selector.WithStore(store))
	}
	eng, err := selector.New(doc.Selection, engOpts...)
	if err != nil {
		return err
	}
	if n, err := eng.Restore(ctx); err != nil {
		log.WithError(err).Warn("selection history not restored")
	} else if n > 0 {
		log.WithField("records", n).Info("selection history restored")
	}
	go eng.Run(ctx)

	if watched != nil {
		go func() {
			err := watched.Watch(ctx, func(c *catalog.Catalog) {
				live.Replace(c)
				sch.SetServers(c.Servers)
				if core != nil {
					startProbeCore(ctx, core, c.Servers, pol, log)
				}
				log.WithField("servers", len(c.Servers)).Info("catalog updated")
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("catalog watch stopped")
			}
		}()
	}

	deps := httpapi.Deps{
		Catalog:   live,
		Settings:  doc,
		Fetcher:   fe,
		Scheduler: sch,
		Engine:    eng,
		Hub:       hub,
	}
	if o.apply {
		rt := runtime.NewExec(runtime.ExecConfig{Binary: o.singBox, WorkDir: filepath.Join(o.workDir, "main")}, log)
		deps.Runtime = rt
		defer func() {
			if rt.IsRunning() {
				_ = rt.Stop()
			}
		}()
	}
	if o.jwtSecret != "" {
		if o.adminHash == "" {
			return errors.New("--admin-password-hash is required with --jwt-secret")
		}
		iss, err := auth.NewIssuer(o.jwtSecret, o.tokenTTL)
		if err != nil {
			return err
		}
		deps.Auth, deps.AdminUser, deps.AdminHash = iss, o.adminUser, o.adminHash
	} else {
		log.Warn("no --jwt-secret: /api is unauthenticated")
	}

	srv := &http.Server{
		Addr: o.listen,
		Handler: httpapi.NewHandler(deps, httpapi.Options{
			CompileTimeout: o.compileTimeout,
			ProbeTimeout:   o.probeTimeout,
			Logger:         log,
		}),
		ReadHeaderTimeout: o.readHeaderTimeout,
	}
	log.Infof("listening on http://%s", o.listen)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")

		shCtx, cancel := context.WithTimeout(context.Background(), o.shutdownTimeout)
		defer cancel()
		hub.Close()
		if err := srv.Shutdown(shCtx); err != nil {
			log.WithError(err).Warn("graceful shutdown failed")
			_ = srv.Close()
		}

		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// startProbeCore (re)starts the measurement document. Failures are logged;
// the scheduler then probes raw TCP only.
func startProbeCore(ctx context.Context, core *runtime.ProbeCore, servers []model.Server, pol model.Policy, log logrus.FieldLogger) {
	diags, err := core.Start(ctx, servers, pol)
	for _, d := range diags {
		log.WithFields(logrus.Fields{"code": d.Code, "field": d.Field, "server": d.Server}).Warn(d.Message)
	}
	if err != nil {
		log.WithError(err).Warn("probe core not started; checks fall back to raw tcp")
		return
	}
	log.WithField("servers", len(servers)).Info("probe core started")
}
