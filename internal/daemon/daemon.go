package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lnmt-project/lnmt/internal/api"
	"github.com/lnmt-project/lnmt/internal/auth"
	"github.com/lnmt-project/lnmt/internal/domain"
	"github.com/lnmt-project/lnmt/internal/health"
	"github.com/lnmt-project/lnmt/internal/infra/healing"
	"github.com/lnmt-project/lnmt/internal/infra/postgres"
	"github.com/lnmt-project/lnmt/internal/infra/scheduler"
	"github.com/lnmt-project/lnmt/internal/infra/sqlite"
	"github.com/lnmt-project/lnmt/internal/tracker"
)

// Daemon is the lnmtd runtime: the four core subsystems wired over the
// shared store, plus the REST API server.
type Daemon struct {
	Config   Config
	DB       *sqlite.DB
	Audit    domain.AuditRepository
	Registry *scheduler.FuncRegistry
	Sched    *scheduler.Scheduler
	Tracker  *tracker.Tracker
	Health   *health.Checker
	Auth     *auth.Engine
	Server   *api.Server

	pgAudit *postgres.AuditStore
	cancel  context.CancelFunc
}

// New creates a Daemon from the on-disk configuration.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	db, err := sqlite.Open(cfg.Store.SqliteDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &Daemon{Config: cfg, DB: db}

	// Operational tier: Postgres when configured and reachable, otherwise
	// the audit trail stays in sqlite.
	d.Audit = db
	if cfg.Store.PostgresDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := postgres.NewAuditStore(ctx, cfg.Store.PostgresDSN)
		cancel()
		if err != nil {
			log.Printf("[daemon] postgres unavailable, audit trail falls back to sqlite: %v", err)
		} else {
			d.pgAudit = pg
			d.Audit = pg
		}
	}

	d.Registry = scheduler.NewFuncRegistry()

	d.Sched = scheduler.New(db, d.Registry, scheduler.Config{
		MaxWorkers: cfg.Scheduler.MaxWorkers,
	})

	d.Auth = auth.NewEngine(db, d.Audit, auth.Config{
		SessionIdle:      time.Duration(cfg.Auth.SessionIdleS) * time.Second,
		SessionRemember:  time.Duration(cfg.Auth.SessionRememberS) * time.Second,
		LockoutThreshold: cfg.Auth.LockoutThreshold,
		LockoutWindow:    time.Duration(cfg.Auth.LockoutWindowS) * time.Second,
		LockoutDuration:  time.Duration(cfg.Auth.LockoutDurationS) * time.Second,
	})

	var traffic tracker.TrafficSource
	if cfg.Tracker.CountersFile != "" {
		traffic = &tracker.FileTraffic{Path: cfg.Tracker.CountersFile}
	}
	var pinger tracker.Pinger
	if cfg.Tracker.PingEnabled {
		pinger = tracker.ExecPinger{}
	}
	var dnsLog tracker.DNSLog
	if cfg.Tracker.DNSLogFile != "" {
		dnsLog = &tracker.FileDNSLog{Path: cfg.Tracker.DNSLogFile}
	}
	d.Tracker = tracker.New(db, d.Audit, traffic, pinger, dnsLog, tracker.Config{
		LeaseFile: cfg.Tracker.LeaseFile,
		Detection: domain.DetectionSettings{
			PingWindowS: int64(cfg.Detection.PingWindow),
			MinBytesIn:  int64(cfg.Detection.MinBytesIn),
			MinBytesOut: int64(cfg.Detection.MinBytesOut),
		},
	})

	d.Health = health.NewChecker(db, d.Sched, healing.Config{
		MaxAttempts: cfg.Health.SelfHealMaxAttempts,
		Window:      time.Duration(cfg.Health.SelfHealWindowS) * time.Second,
	})

	d.Server = api.NewServer(d.Sched, d.Tracker, db, d.Auth)
	d.Server.EnableMetrics()

	if err := d.registerBuiltins(); err != nil {
		db.Close()
		return nil, err
	}
	if err := d.seedJobs(); err != nil {
		db.Close()
		return nil, err
	}
	if err := d.syncProbes(); err != nil {
		db.Close()
		return nil, err
	}
	if err := d.syncClassificationRules(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// registerBuiltins populates the job function registry with the functions
// the daemon itself provides. Subsystems add their own at startup.
// Scheduler.Register does not look job targets up in this registry: a job
// whose target is not registered is accepted, and each of its runs fails
// with ErrUnregisteredTarget.
func (d *Daemon) registerBuiltins() error {
	builtins := map[string]domain.JobFunc{
		"tracker.poll_once": func(ctx context.Context, args []any, kwargs map[string]any) error {
			_, err := d.Tracker.PollOnce(ctx)
			return err
		},
		"scheduler.prune_history": func(ctx context.Context, args []any, kwargs map[string]any) error {
			retention := time.Duration(d.Config.Scheduler.HistoryRetentionDays) * 24 * time.Hour
			cutoff := time.Now().Add(-retention).Unix()
			n, err := d.DB.PruneRunsBefore(ctx, cutoff)
			if err != nil {
				return err
			}
			log.Printf("[scheduler] pruned %d run(s) older than %d days", n, d.Config.Scheduler.HistoryRetentionDays)
			return nil
		},
	}
	for name, fn := range builtins {
		if err := d.Registry.Register(name, fn); err != nil {
			return fmt.Errorf("register builtin %s: %w", name, err)
		}
	}
	return nil
}

// seedJobs makes the persisted registry authoritative. The configured
// definitions file only seeds an empty store; after that, CLI/API mutations
// persist and later restarts observe the persisted state, not the file.
func (d *Daemon) seedJobs() error {
	ctx := context.Background()

	jobs, err := d.Sched.ListJobs(ctx)
	if err != nil {
		return err
	}
	if len(jobs) > 0 {
		return nil
	}

	now := time.Now()
	seed := []domain.Job{
		{
			ID:        "history-prune",
			Name:      "Job history retention",
			Target:    "scheduler.prune_history",
			Schedule:  "40 3 * * *",
			Priority:  domain.PriorityLow,
			TimeoutS:  300,
			Enabled:   true,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	if d.Config.Scheduler.JobsFile != "" {
		if _, err := os.Stat(d.Config.Scheduler.JobsFile); err == nil {
			defs, err := LoadJobDefs(d.Config.Scheduler.JobsFile)
			if err != nil {
				return err
			}
			fromFile, err := defs.Jobs(now)
			if err != nil {
				return err
			}
			seed = append(seed, fromFile...)
		}
	}

	for _, j := range seed {
		if err := d.Sched.Register(ctx, j); err != nil {
			return fmt.Errorf("seed job %s: %w", j.ID, err)
		}
	}
	return nil
}

// syncProbes registers the store health checks and syncs probe
// configuration into the store: the built-in sqlite (and, when configured,
// postgres) connectivity probes plus every entry of the probes-definitions
// file. The health checker then runs one loop per synced probe.
func (d *Daemon) syncProbes() error {
	ctx := context.Background()

	d.Health.RegisterCustom("store.sqlite", func(ctx context.Context) (domain.SampleStatus, string) {
		if err := d.DB.Ping(); err != nil {
			return domain.SampleFail, err.Error()
		}
		return domain.SampleOK, ""
	})
	probes := []domain.HealthProbe{
		{ID: "store-sqlite", Kind: domain.ProbeCustom, Target: "store.sqlite", IntervalS: 60, FailureThreshold: 3},
	}

	if d.pgAudit != nil {
		pg := d.pgAudit
		d.Health.RegisterCustom("store.postgres", func(ctx context.Context) (domain.SampleStatus, string) {
			if err := pg.Ping(ctx); err != nil {
				return domain.SampleFail, err.Error()
			}
			return domain.SampleOK, ""
		})
		probes = append(probes, domain.HealthProbe{
			ID: "store-postgres", Kind: domain.ProbeCustom, Target: "store.postgres",
			IntervalS: 60, FailureThreshold: 3,
		})
	}

	if d.Config.Health.ProbesFile != "" {
		if _, err := os.Stat(d.Config.Health.ProbesFile); err == nil {
			defs, err := LoadProbeDefs(d.Config.Health.ProbesFile)
			if err != nil {
				return err
			}
			fromFile, err := defs.Probes()
			if err != nil {
				return err
			}
			// A recovery action names a scheduler job, submitted via
			// run_now on breach; unknown ids are startup errors.
			jobs, err := d.Sched.ListJobs(ctx)
			if err != nil {
				return err
			}
			known := make(map[string]bool, len(jobs))
			for _, j := range jobs {
				known[j.ID] = true
			}
			for _, p := range fromFile {
				if p.RecoveryAction != "" && !known[p.RecoveryAction] {
					return fmt.Errorf("probe %s: recovery action %q is not a registered job", p.ID, p.RecoveryAction)
				}
			}
			probes = append(probes, fromFile...)
		}
	}

	for _, p := range probes {
		if err := d.DB.InsertProbe(ctx, p); err != nil {
			return fmt.Errorf("sync probe %s: %w", p.ID, err)
		}
	}
	return nil
}

// syncClassificationRules replaces the app-pattern and DNS-whitelist rows
// from the configured rules file. Without a file the existing rows are
// left as-is.
func (d *Daemon) syncClassificationRules() error {
	if d.Config.Tracker.RulesFile == "" {
		return nil
	}
	if _, err := os.Stat(d.Config.Tracker.RulesFile); err != nil {
		return nil
	}
	rules, err := LoadClassificationRules(d.Config.Tracker.RulesFile)
	if err != nil {
		return err
	}
	patterns, whitelist := rules.Entities()
	if err := d.DB.ReplaceClassificationRules(context.Background(), patterns, whitelist); err != nil {
		return fmt.Errorf("sync classification rules: %w", err)
	}
	return nil
}

// Serve starts the subsystem loops and the HTTP server, blocking until
// shutdown. Shutdown drains gracefully: no new dispatches, in-flight work
// gets a bounded grace period.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go d.Sched.Start(ctx)
	go d.Tracker.Run(ctx, time.Duration(d.Config.Tracker.PollIntervalS)*time.Second)
	if err := d.Health.Start(ctx); err != nil {
		return fmt.Errorf("start health checker: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		d.Sched.Stop()
		d.Sched.Drain(shutdownCtx, 20*time.Second)
		d.Health.Stop()
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
	}()

	log.Printf("[daemon] lnmtd serving on http://%s", addr)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.pgAudit != nil {
		d.pgAudit.Close()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}
