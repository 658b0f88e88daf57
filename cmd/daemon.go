package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"grimm.is/blackhole/internal/config"
	"grimm.is/blackhole/internal/datastore"
	"grimm.is/blackhole/internal/errors"
	"grimm.is/blackhole/internal/events"
	"grimm.is/blackhole/internal/health"
	"grimm.is/blackhole/internal/housekeeper"
	"grimm.is/blackhole/internal/logging"
	"grimm.is/blackhole/internal/metrics"
	"grimm.is/blackhole/internal/overtime"
	"grimm.is/blackhole/internal/recorder"
	"grimm.is/blackhole/internal/scheduler"
	"grimm.is/blackhole/internal/state"
)

const (
	eventBuffer     = 4096
	shutdownTimeout = 5 * time.Second
	collectInterval = 15 * time.Second
)

// Daemon owns the record store and everything that feeds or observes it.
type Daemon struct {
	cfg    *config.Config
	logger *logging.Logger

	Store       *datastore.Store
	Hub         *events.Hub
	Recorder    *recorder.Service
	Scheduler   *scheduler.Scheduler
	Housekeeper *housekeeper.Housekeeper
	Health      *health.Checker
	Metrics     *metrics.Registry
	Runs        *state.RunJournal

	db        *state.SQLiteStore
	archive   *state.QueryArchive
	collector *metrics.Collector
	prom      *prometheus.Registry
}

// NewDaemon builds every component from cfg without starting any of them.
func NewDaemon(cfg *config.Config, logger *logging.Logger) (*Daemon, error) {
	if logger == nil {
		logger = logging.Default()
	}
	tl, err := overtime.NewTimeline(cfg.Overtime.IntervalDuration(), cfg.Overtime.WindowDuration())
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:    cfg,
		logger: logger,
		Hub:    events.NewHub(),
		prom:   prometheus.NewRegistry(),
	}
	d.prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.Metrics = metrics.NewRegistry(d.prom)

	opts := datastore.DefaultOptions()
	opts.BlockSize = cfg.Store.BlockSize
	opts.MaxRecords = cfg.Store.MaxRecords
	opts.ArenaLimit = int(cfg.Store.ArenaLimit)
	opts.QueryScan = cfg.Store.QueryScan
	opts.RateLimit = cfg.RateLimit.Count
	opts.Privacy = datastore.PrivacyLevel(cfg.PrivacyLevel)
	opts.Timeline = tl
	opts.Logger = logger
	opts.Observer = d.Metrics
	d.Store = datastore.New(opts)

	d.Recorder = recorder.New(d.Store, d.Hub, nil, logger)
	d.Scheduler = scheduler.New(scheduler.Options{Logger: logger})

	hkOpts := housekeeper.Options{
		MaxAge:            cfg.Retention.MaxAgeDuration(),
		RetentionInterval: cfg.Retention.IntervalDuration(),
		Logger:            logger,
	}
	if cfg.RateLimit.Count > 0 {
		hkOpts.RateLimitInterval = cfg.RateLimit.IntervalDuration()
	}
	if path := cfg.Retention.ArchivePath; path != "" {
		d.db, err = state.NewSQLiteStore(state.DefaultOptions(path))
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindUnavailable, "open archive %s", path)
		}
		d.archive, err = state.NewQueryArchive(d.db, cfg.Retention.ArchiveMaxAgeDuration())
		if err != nil {
			d.db.Close()
			return nil, err
		}
		hkOpts.Archive = d.archive
		hkOpts.Cleaner = d.db
		logger.Info("archiving retired queries", "path", path, "instance", d.db.InstanceID())

		d.Runs, err = state.NewRunJournal(d.db)
		if err != nil {
			d.db.Close()
			return nil, err
		}
		if last, ok, err := d.Runs.Last(); err != nil {
			logger.Warn("could not read previous run", "error", err)
		} else if ok {
			logger.Info("previous run",
				"stopped", last.StoppedAt,
				"queries", last.Total,
				"blocked", last.Blocked,
				"archived", last.Archived,
				"error", last.Error)
		}
	}
	d.Housekeeper, err = housekeeper.New(d.Store, hkOpts)
	if err != nil {
		d.Close()
		return nil, err
	}
	if err := d.Housekeeper.Register(d.Scheduler); err != nil {
		d.Close()
		return nil, err
	}

	d.Health = health.NewChecker(5 * time.Second)
	d.Health.Register("store", health.StoreCheck(d.Store))
	d.Health.Register("recorder", health.RecorderCheck(d.Recorder))
	tasks := []string{housekeeper.TaskRetention}
	if d.archive != nil {
		tasks = append(tasks, housekeeper.TaskArchiveCleanup)
	}
	d.Health.Register("scheduler", health.SchedulerCheck(d.Scheduler, tasks...))
	if d.archive != nil {
		d.Health.Register("archive", health.ArchiveCheck(d.archive))
	}

	d.collector = metrics.NewCollector(d.Metrics, metrics.Sources{
		Store: d.Store,
		Hub:   d.Hub,
		Tasks: d.Scheduler.GetStatus,
	}, logger, collectInterval)

	return d, nil
}

// Handler serves metrics and health endpoints.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.prom, promhttp.HandlerOpts{Registry: d.prom}))
	mux.Handle("/healthz", d.Health.Handler())
	mux.Handle("/readyz", d.Health.ReadinessHandler())
	mux.Handle("/livez", health.LivenessHandler())
	return mux
}

// Run starts all components and blocks until ctx is cancelled, the
// metrics server fails or the store is exhausted. In the last case the
// store's KindExhausted error is returned. Components are stopped before
// it returns.
func (d *Daemon) Run(ctx context.Context) error {
	started := time.Now()
	if err := d.Recorder.Start(ctx, eventBuffer); err != nil {
		return err
	}
	d.Scheduler.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.collector.Start()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.collector.Stop()
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-d.Store.Done():
			err := d.Store.Fatal()
			d.logger.Error("record store exhausted, shutting down", "error", err)
			return err
		}
	})

	if m := d.cfg.Metrics; m.Enabled {
		srv := &http.Server{
			Addr:              m.Listen,
			Handler:           d.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			d.logger.Info("serving metrics", "listen", m.Listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrapf(err, errors.KindUnavailable, "metrics server on %s", m.Listen)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	d.logger.Info("blackhole running", "privacy", d.Store.PrivacyLevel(), "rate_limit", d.cfg.RateLimit.Count)
	err := g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := d.Recorder.Stop(sctx); serr != nil {
		d.logger.Warn("recorder did not stop cleanly", "error", serr)
	}
	d.Scheduler.Stop()
	d.recordRun(started, err)
	return err
}

// recordRun stores the end-of-run summary in the archive database.
func (d *Daemon) recordRun(started time.Time, runErr error) {
	if d.Runs == nil {
		return
	}
	sum := state.RunSummary{
		StartedAt: started,
		StoppedAt: time.Now(),
		Stats:     d.Store.Stats(),
		Total:     d.Store.TotalCount(),
		Blocked:   d.Store.BlockedCount(),
		Forwarded: d.Store.ForwardedCount(),
		Cached:    d.Store.CachedCount(),
	}
	if n, err := d.archive.Count(); err == nil {
		sum.Archived = n
	}
	if runErr != nil {
		sum.Error = runErr.Error()
	}
	if err := d.Runs.Record(sum); err != nil {
		d.logger.Warn("could not record run summary", "error", err)
	}
}

// Reload applies the runtime-adjustable settings of cfg and asks the
// recorder to refresh blocking decisions.
func (d *Daemon) Reload(cfg *config.Config) error {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if err := d.Store.SetPrivacyLevel(datastore.PrivacyLevel(cfg.PrivacyLevel)); err != nil {
		return err
	}
	d.logger.SetLevel(level)
	d.cfg.LogLevel = cfg.LogLevel
	d.cfg.PrivacyLevel = cfg.PrivacyLevel
	d.Hub.EmitListsReloaded("reload")
	d.logger.Info("configuration reloaded", "privacy", cfg.PrivacyLevel, "log_level", cfg.LogLevel)
	return nil
}

// Close releases the archive database.
func (d *Daemon) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}
