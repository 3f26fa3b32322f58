package main

import (
	"context"
	"errors"

	"github.com/kimhsiao/learnsync/core/internal/config"
	"github.com/kimhsiao/learnsync/core/internal/db"
	"github.com/kimhsiao/learnsync/core/internal/logging"
	"github.com/kimhsiao/learnsync/core/internal/remote"
	syncpkg "github.com/kimhsiao/learnsync/core/internal/sync"
	"github.com/kimhsiao/learnsync/core/internal/sync/conflict"
	"github.com/kimhsiao/learnsync/core/internal/sync/network"
	"github.com/kimhsiao/learnsync/core/internal/sync/queue"
	"github.com/kimhsiao/learnsync/core/internal/sync/scheduler"
)

// daemon owns every long-lived component of the serve command.
type daemon struct {
	logger *logging.Logger

	store     *db.DB
	repo      *db.Repository
	queue     *queue.Queue
	client    *remote.Client
	monitor   *network.Monitor
	prober    *network.Prober
	engine    *syncpkg.Engine
	scheduler *scheduler.Scheduler
}

// openStore opens the local store under the configured data directory.
func openStore(cfg *config.Config) (*db.DB, *db.Repository, error) {
	store, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return store, db.NewRepository(store.DB), nil
}

func newDaemon(cfg *config.Config, logger *logging.Logger) (*daemon, error) {
	store, repo, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	d := &daemon{
		logger:  logger,
		store:   store,
		repo:    repo,
		monitor: network.NewMonitor(cfg.Network.InitiallyOnline),
	}

	d.queue = queue.New(repo,
		queue.WithMaxRetries(cfg.Sync.MaxRetries),
		queue.WithLogger(logger),
	)

	def, perTable := cfg.Strategies()
	resolverOpts := []conflict.Option{conflict.WithLogger(logger)}
	for table, strategy := range perTable {
		resolverOpts = append(resolverOpts, conflict.WithTableStrategy(table, strategy))
	}

	engineOpts := syncpkg.Options{
		Resolver:       conflict.NewResolver(def, resolverOpts...),
		Network:        d.monitor,
		RetryDelay:     cfg.Sync.RetryDelay,
		HandlerTimeout: cfg.Sync.HandlerTimeout,
		Logger:         logger,
	}
	if cfg.Remote.BaseURL != "" {
		d.client = remote.NewClient(&remote.Config{
			BaseURL:   cfg.Remote.BaseURL,
			Timeout:   cfg.Remote.Timeout,
			AuthToken: cfg.Remote.AuthToken,
		})
		engineOpts.Handlers = d.client.Handlers()
		engineOpts.Fetchers = d.client.Fetchers()
	} else {
		logger.Warn("No remote configured, actions stay queued")
	}
	d.engine = syncpkg.NewEngine(repo, d.queue, engineOpts)

	switch {
	case cfg.Network.ProbeURL != "":
		d.prober = network.NewProber(d.monitor, &network.HTTPPinger{URL: cfg.Network.ProbeURL},
			cfg.Network.ProbeInterval, 0)
	case d.client != nil:
		d.prober = network.NewProber(d.monitor, network.PingerFunc(d.client.Ping),
			cfg.Network.ProbeInterval, 0)
	}

	d.scheduler = scheduler.NewScheduler(d.engine, repo, repo, &scheduler.SchedulerConfig{
		SyncSpec:       cfg.Sync.Periodic,
		CacheSweepSpec: cfg.Maintenance.CacheSweep,
		CompactSpec:    cfg.Maintenance.Compact,
	})
	d.scheduler.SetLogger(logger)

	return d, nil
}

// start brings up the engine, then connectivity probing, then scheduled jobs.
func (d *daemon) start(ctx context.Context) error {
	if err := d.engine.Start(ctx); err != nil {
		return err
	}
	if d.prober != nil {
		d.prober.Start(ctx)
	}
	return d.scheduler.Start(ctx)
}

// stop tears down in reverse order and closes the store.
func (d *daemon) stop(ctx context.Context) error {
	d.scheduler.Stop()
	if d.prober != nil {
		d.prober.Stop()
	}
	err := d.engine.Shutdown(ctx)
	return errors.Join(err, d.store.Close())
}
