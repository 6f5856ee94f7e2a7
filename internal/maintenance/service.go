package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"wablast/internal/store"
	"wablast/pkg/logx"
)

// Config controls the housekeeping schedules.
//
// Defaults: ReapEvery 30s, PruneEvery 1h, Retention 30 days, ClaimTTL 2m.
type Config struct {
	ReapEvery  time.Duration
	PruneEvery time.Duration
	Retention  time.Duration
	ClaimTTL   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReapEvery <= 0 {
		c.ReapEvery = 30 * time.Second
	}
	if c.PruneEvery <= 0 {
		c.PruneEvery = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 2 * time.Minute
	}
	return c
}

// Service runs the periodic jobs that keep the queue healthy: the reaper
// requeues claims abandoned by crashed workers, and prune drops completed
// submissions past their audit retention.
type Service struct {
	cfg   Config
	store store.Store
	log   logx.Logger
	cron  *cron.Cron
}

func New(cfg Config, st store.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), store: st, log: log}
}

func (s *Service) Start() error {
	if s.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.ReapEvery), s.reap); err != nil {
		return err
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.PruneEvery), s.prune); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.log.Info("maintenance started",
		logx.Duration("reap_every", s.cfg.ReapEvery),
		logx.Duration("prune_every", s.cfg.PruneEvery))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	s.cron = nil
	s.log.Info("maintenance stopped")
}

func (s *Service) reap() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := s.store.RequeueStale(ctx, time.Now().Add(-s.cfg.ClaimTTL))
	if err != nil {
		s.log.Warn("reap failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("requeued stale claims", logx.Int("count", n))
	}
}

func (s *Service) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := s.store.PruneCompleted(ctx, time.Now().Add(-s.cfg.Retention))
	if err != nil {
		s.log.Warn("prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("pruned completed submissions", logx.Int("count", n))
	}
}
