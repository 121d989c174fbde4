// Package app wires configuration, storage, the rate limiter, the
// fingerprint index, the delivery queue and the batch scheduler into one
// lifecycle.
package app

import (
	"context"
	"time"

	"chanpost/internal/batch"
	"chanpost/internal/config"
	"chanpost/internal/delivery"
	"chanpost/internal/eventbus"
	"chanpost/internal/fingerprint"
	"chanpost/internal/housekeeping"
	"chanpost/internal/ratelimit"
	rtsup "chanpost/internal/runtime/supervisor"
	"chanpost/internal/storage"
	"chanpost/internal/transport/telegram"
	logx "chanpost/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store   storage.Store // nil when persistence is disabled
	limiter *ratelimit.Limiter
	prints  *fingerprint.Store
	queue   *delivery.Queue
	batches *batch.Service
	keeper  *housekeeping.Service
	adapter *telegram.Adapter

	sup *rtsup.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	adapter, err := telegram.New(telegram.Config{
		Token:     cfg.Telegram.Token,
		ParseMode: cfg.Telegram.ParseMode,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		logs.Close()
		return nil, err
	}

	store, err := storage.Open(storageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		logs.Close()
		return nil, err
	}

	bus := eventbus.New()

	limCfg, err := limitsConfig(cfg)
	if err != nil {
		logs.Close()
		return nil, err
	}
	limiter := ratelimit.New(limCfg)

	var persist fingerprint.Persister
	if store != nil {
		persist = store
	}
	prints := fingerprint.NewStore(fingerprint.Config{Threshold: cfg.Dedup.Threshold},
		persist, log.With(logx.String("comp", "fingerprint")))

	delCfg, err := deliveryConfig(cfg)
	if err != nil {
		logs.Close()
		return nil, err
	}
	queue := delivery.New(delCfg, adapter, limiter, log.With(logx.String("comp", "delivery")), bus)
	queue.SetDedup(prints)
	if store != nil {
		queue.SetStore(store)
	}

	interval, err := config.ParseDurationOrDefault("batches.default_interval", cfg.Batches.DefaultInterval, time.Minute)
	if err != nil {
		logs.Close()
		return nil, err
	}
	batches := batch.New(batch.Config{DefaultInterval: interval},
		queue, limiter, log.With(logx.String("comp", "batch")), bus)
	batches.SetDedup(prints)
	batches.SetNotifier(adapter)
	if store != nil {
		batches.SetStore(store)
	}
	queue.SetSink(batches)

	var keeper *housekeeping.Service
	if hk := housekeepingConfig(cfg); hk != nil {
		var pruner housekeeping.Pruner
		if store != nil {
			pruner = store
		}
		keeper = housekeeping.New(*hk, limiter, pruner, log.With(logx.String("comp", "housekeeping")))
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		bus:     bus,
		store:   store,
		limiter: limiter,
		prints:  prints,
		queue:   queue,
		batches: batches,
		keeper:  keeper,
		adapter: adapter,
	}, nil
}

// Batches exposes the scheduler surface to the embedding layer.
func (a *App) Batches() *batch.Service { return a.batches }

// Bus exposes engine events for the embedding layer.
func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))

	// Warm the duplicate index before anything can dispatch.
	if a.store != nil {
		hashes, err := a.store.ListFingerprints(a.sup.Context())
		if err != nil {
			return err
		}
		for chatID, hs := range hashes {
			a.prints.Warm(chatID, hs)
		}
	}

	a.queue.Start(a.sup.Context())

	if err := a.batches.Restore(a.sup.Context()); err != nil {
		return err
	}

	if a.keeper != nil {
		if err := a.keeper.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.sup.Go("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts; only the latest config matters.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						break drain
					}
				}
				a.apply(cfg)
			}
		}
	})

	a.log.Info("started")
	return nil
}

// apply pushes a validated reload into the live components. Storage and
// telegram credentials stay fixed until restart.
func (a *App) apply(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if limCfg, err := limitsConfig(cfg); err == nil {
		a.limiter.Apply(limCfg)
	}
	if delCfg, err := deliveryConfig(cfg); err == nil {
		a.queue.Apply(delCfg)
	}
	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	if a.keeper != nil {
		a.keeper.Stop(ctx)
	}
	a.queue.Stop(ctx)

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	a.log.Info("stopped")
	a.logs.Close()
	return err
}

func storageConfig(cfg *config.Config) storage.Config {
	if cfg.Storage == nil {
		return storage.Config{}
	}
	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
}

func limitsConfig(cfg *config.Config) (ratelimit.Config, error) {
	spacing, err := config.ParseDurationField("limits.min_spacing", cfg.Limits.MinSpacing)
	if err != nil {
		return ratelimit.Config{}, err
	}
	return ratelimit.Config{
		MinSpacing:       spacing,
		ScheduledPerHour: cfg.Limits.ScheduledPerHour,
		GlobalPerSec:     cfg.Limits.GlobalPerSec,
		GlobalBurst:      cfg.Limits.GlobalBurst,
	}, nil
}

func deliveryConfig(cfg *config.Config) (delivery.Config, error) {
	base, err := config.ParseDurationField("delivery.retry_base", cfg.Delivery.RetryBase)
	if err != nil {
		return delivery.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		MaxRetries:    cfg.Delivery.MaxRetries,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		RetryJitter:   cfg.Delivery.RetryJitter,
	}, nil
}

// housekeepingConfig returns nil only when the block explicitly disables
// the service; an omitted block runs with defaults.
func housekeepingConfig(cfg *config.Config) *housekeeping.Config {
	h := cfg.Housekeeping
	if h == nil {
		return &housekeeping.Config{}
	}
	if !h.Enabled {
		return nil
	}
	retention, _ := config.ParseDurationField("housekeeping.retention", h.Retention)
	return &housekeeping.Config{
		Schedule:  h.Schedule,
		Retention: retention,
	}
}
