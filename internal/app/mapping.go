package app

import (
	"fmt"
	"strings"
	"time"

	"wablast/internal/cache"
	"wablast/internal/config"
	"wablast/internal/dispatch"
	"wablast/internal/maintenance"
	"wablast/internal/notify"
	"wablast/internal/observability/pprof"
	"wablast/internal/session"
	"wablast/internal/store"
)

// The mapping helpers translate the file config (duration strings, optional
// sections) into each service's typed config. They are also what the reload
// validator runs, so a bad edit is rejected before anything is applied.

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, 5*time.Second)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Path: cfg.Store.Path, BusyTimeout: busy}, nil
}

func mapSessionConfig(cfg *config.Config) (session.Config, error) {
	base, err := config.ParseDurationOrDefault("session.resume_base", cfg.Session.ResumeBase, 0)
	if err != nil {
		return session.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("session.resume_max_delay", cfg.Session.ResumeMaxDelay, 0)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		ResumeMax:      cfg.Session.ResumeMax,
		ResumeBase:     base,
		ResumeMaxDelay: maxDelay,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	claimTTL, err := config.ParseDurationOrDefault("dispatch.claim_ttl", cfg.Dispatch.ClaimTTL, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	backoff, err := config.ParseDurationOrDefault("dispatch.empty_backoff", cfg.Dispatch.EmptyBackoff, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	grace, err := config.ParseDurationOrDefault("dispatch.shutdown_grace", cfg.Dispatch.ShutdownGrace, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:       cfg.Dispatch.Workers,
		RatePerSec:    cfg.Dispatch.RatePerSec,
		ClaimTTL:      claimTTL,
		EmptyBackoff:  backoff,
		ShutdownGrace: grace,
	}, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	reap, err := config.ParseDurationOrDefault("maintenance.reap_every", cfg.Maintenance.ReapEvery, 0)
	if err != nil {
		return maintenance.Config{}, err
	}
	prune, err := config.ParseDurationOrDefault("maintenance.prune_every", cfg.Maintenance.PruneEvery, 0)
	if err != nil {
		return maintenance.Config{}, err
	}
	retention, err := config.ParseDurationOrDefault("maintenance.retention", cfg.Maintenance.Retention, 0)
	if err != nil {
		return maintenance.Config{}, err
	}
	claimTTL, err := config.ParseDurationOrDefault("dispatch.claim_ttl", cfg.Dispatch.ClaimTTL, 0)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		ReapEvery:  reap,
		PruneEvery: prune,
		Retention:  retention,
		ClaimTTL:   claimTTL,
	}, nil
}

// mapCacheConfig returns enabled=false when the cache section is absent or
// disabled.
func mapCacheConfig(cfg *config.Config) (cache.Config, bool, error) {
	if cfg.Cache == nil || !cfg.Cache.Enabled {
		return cache.Config{}, false, nil
	}
	if strings.TrimSpace(cfg.Cache.Addr) == "" {
		return cache.Config{}, false, fmt.Errorf("cache.addr is required when cache is enabled")
	}
	ttl, err := config.ParseDurationOrDefault("cache.ttl", cfg.Cache.TTL, 0)
	if err != nil {
		return cache.Config{}, false, err
	}
	return cache.Config{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
		TTL:      ttl,
	}, true, nil
}

func mapDebugConfig(cfg *config.Config) pprof.Config {
	if cfg.Debug == nil {
		return pprof.Config{}
	}
	return pprof.Config{
		Enabled: cfg.Debug.Enabled,
		Addr:    cfg.Debug.Addr,
		Token:   cfg.Debug.Token,
	}
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	if cfg.Notify == nil || !cfg.Notify.Enabled {
		return notify.Config{}, nil
	}
	if strings.TrimSpace(cfg.Notify.Token) == "" {
		return notify.Config{}, fmt.Errorf("notify.token is required when notify is enabled")
	}
	if cfg.Notify.ChatID == 0 {
		return notify.Config{}, fmt.Errorf("notify.chat_id is required when notify is enabled")
	}
	return notify.Config{
		Enabled:    true,
		Token:      cfg.Notify.Token,
		ChatID:     cfg.Notify.ChatID,
		RatePerSec: cfg.Notify.RatePerSec,
	}, nil
}
