package config

import (
	"fmt"
	"strings"
)

// Validate rejects configs that would make a service fail later at Apply time.
// It only checks shape-level problems; services still apply their own defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	for _, f := range []struct{ path, raw string }{
		{"store.busy_timeout", cfg.Store.BusyTimeout},
		{"session.resume_base", cfg.Session.ResumeBase},
		{"session.resume_max_delay", cfg.Session.ResumeMaxDelay},
		{"dispatch.claim_ttl", cfg.Dispatch.ClaimTTL},
		{"dispatch.empty_backoff", cfg.Dispatch.EmptyBackoff},
		{"dispatch.shutdown_grace", cfg.Dispatch.ShutdownGrace},
		{"maintenance.reap_every", cfg.Maintenance.ReapEvery},
		{"maintenance.prune_every", cfg.Maintenance.PruneEvery},
		{"maintenance.retention", cfg.Maintenance.Retention},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if cfg.Cache != nil {
		if _, err := ParseDurationField("cache.ttl", cfg.Cache.TTL); err != nil {
			return err
		}
		if cfg.Cache.Enabled && strings.TrimSpace(cfg.Cache.Addr) == "" {
			return fmt.Errorf("cache.addr is required when cache is enabled")
		}
	}
	if cfg.Notify != nil && cfg.Notify.Enabled {
		if strings.TrimSpace(cfg.Notify.Token) == "" {
			return fmt.Errorf("notify.token is required when notify is enabled")
		}
		if cfg.Notify.ChatID == 0 {
			return fmt.Errorf("notify.chat_id is required when notify is enabled")
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "", "whatsmeow", "fake":
	default:
		return fmt.Errorf("transport.driver: unknown driver %q", cfg.Transport.Driver)
	}

	if cfg.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers must be >= 0")
	}
	return nil
}
