// Package housekeeping runs periodic maintenance: trimming the rate
// limiter's send windows and pruning finished batch records.
package housekeeping

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	logx "chanpost/pkg/logx"
)

type Config struct {
	// Schedule is a cron expression; defaults to hourly.
	Schedule string
	// Retention bounds how long completed/cancelled batch records stay in
	// storage.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "@hourly"
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	return c
}

// Compactor trims expired entries from the rate windows.
type Compactor interface {
	Compact() int
}

// Pruner removes terminal batch records older than the cutoff.
type Pruner interface {
	PruneBatches(ctx context.Context, olderThan time.Time) (int, error)
}

type Service struct {
	cfg Config
	log logx.Logger

	compactor Compactor
	pruner    Pruner // nil when storage is disabled

	cron *cron.Cron
	now  func() time.Time
}

func New(cfg Config, compactor Compactor, pruner Pruner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		log:       log,
		compactor: compactor,
		pruner:    pruner,
		now:       time.Now,
	}
}

func (s *Service) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.run(ctx) }); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.log.Info("housekeeping started",
		logx.String("schedule", s.cfg.Schedule),
		logx.Duration("retention", s.cfg.Retention))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("housekeeping stop timed out")
	}
	s.cron = nil
}

func (s *Service) run(ctx context.Context) {
	start := s.now()

	trimmed := 0
	if s.compactor != nil {
		trimmed = s.compactor.Compact()
	}

	pruned := 0
	if s.pruner != nil {
		cutoff := start.Add(-s.cfg.Retention)
		n, err := s.pruner.PruneBatches(ctx, cutoff)
		if err != nil {
			s.log.Warn("batch prune failed", logx.Err(err))
		} else {
			pruned = n
		}
	}

	s.log.Debug("housekeeping pass done",
		logx.Int("windows_trimmed", trimmed),
		logx.Int("batches_pruned", pruned),
		logx.Duration("took", time.Since(start)))
}
