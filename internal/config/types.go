package config

// Config is the whole daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected on load; optional sections may be omitted.
type Config struct {
	Log         LogConfig         `json:"log"`
	Store       StoreConfig       `json:"store"`
	Transport   TransportConfig   `json:"transport"`
	Session     SessionConfig     `json:"session"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Cache       *CacheConfig      `json:"cache,omitempty"`
	Notify      *NotifyConfig     `json:"notify,omitempty"`
	API         APIConfig         `json:"api"`
	Debug       *DebugConfig      `json:"debug,omitempty"`
}

type LogConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StoreConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TransportConfig selects the messaging client implementation.
//
// Driver values:
//   - "whatsmeow": real WhatsApp client (StorePath is its device database)
//   - "fake": in-memory client that auto-pairs (dev/testing only)
type TransportConfig struct {
	Driver    string `json:"driver"`
	StorePath string `json:"store_path,omitempty"`
}

// SessionConfig controls the connection-resume policy.
//
// Defaults (when fields are omitted/zero):
//   - resume_max: 5
//   - resume_base: "2s"
//   - resume_max_delay: "1m"
type SessionConfig struct {
	ResumeMax      int    `json:"resume_max,omitempty"`
	ResumeBase     string `json:"resume_base,omitempty"`
	ResumeMaxDelay string `json:"resume_max_delay,omitempty"`
}

// DispatchConfig controls the worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - rate_per_sec: 1
//   - claim_ttl: "2m"
//   - empty_backoff: "2s"
//   - shutdown_grace: "10s"
type DispatchConfig struct {
	Workers       int    `json:"workers,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	ClaimTTL      string `json:"claim_ttl,omitempty"`
	EmptyBackoff  string `json:"empty_backoff,omitempty"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
}

// MaintenanceConfig controls periodic housekeeping.
//
// Defaults: reap_every "30s", prune_every "1h", retention "720h".
type MaintenanceConfig struct {
	ReapEvery  string `json:"reap_every,omitempty"`
	PruneEvery string `json:"prune_every,omitempty"`
	Retention  string `json:"retention,omitempty"`
}

type CacheConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}

type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type APIConfig struct {
	Addr string `json:"addr"`
}

// DebugConfig controls the optional pprof server. Addr defaults to
// 127.0.0.1:6060; a non-loopback bind requires a token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}
