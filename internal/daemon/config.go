// Package daemon manages the LNMT daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon's operational settings, grouped by subsystem.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Tracker   TrackerConfig   `toml:"tracker"`
	Detection DetectionConfig `toml:"detection"`
	Auth      AuthConfig      `toml:"auth"`
	Health    HealthConfig    `toml:"health"`
	API       APIConfig       `toml:"api"`
	Logging   LoggingConfig   `toml:"logging"`
}

// StoreConfig selects the storage backends for the configuration and
// operational tiers.
type StoreConfig struct {
	SqliteDir   string `toml:"sqlite_dir"`
	PostgresDSN string `toml:"postgres_dsn"` // empty: operational tier falls back to sqlite
}

// SchedulerConfig controls the job scheduler.
type SchedulerConfig struct {
	MaxWorkers           int    `toml:"max_workers"`
	HistoryRetentionDays int    `toml:"history_retention_days"`
	JobsFile             string `toml:"jobs_file"` // seeds an empty registry at first startup
}

// TrackerConfig controls the device tracker poll loop.
type TrackerConfig struct {
	PollIntervalS int    `toml:"poll_interval_s"`
	LeaseFile     string `toml:"lease_file"`
	CountersFile  string `toml:"counters_file"` // per-MAC byte counters snapshot, empty disables
	DNSLogFile    string `toml:"dns_log_file"`  // resolver query log, empty disables classification
	RulesFile     string `toml:"rules_file"`    // app patterns + dns whitelist, synced at startup
	PingEnabled   bool   `toml:"ping_enabled"`
}

// DetectionConfig tunes the presence-detection thresholds.
type DetectionConfig struct {
	PingWindow  int `toml:"ping_window"`
	MinBytesIn  int `toml:"min_bytes_in"`
	MinBytesOut int `toml:"min_bytes_out"`
}

// AuthConfig tunes session lifetime and the lockout policy.
type AuthConfig struct {
	SessionIdleS     int `toml:"session_idle_s"`
	SessionRememberS int `toml:"session_remember_s"`
	LockoutThreshold int `toml:"lockout_threshold"`
	LockoutWindowS   int `toml:"lockout_window_s"`
	LockoutDurationS int `toml:"lockout_duration_s"`
}

// HealthConfig tunes the self-heal attempt cap (default 3 within 1 hour)
// and names the probes-definitions file synced at startup.
type HealthConfig struct {
	SelfHealMaxAttempts int    `toml:"self_heal_max_attempts"`
	SelfHealWindowS     int    `toml:"self_heal_window_s"`
	ProbesFile          string `toml:"probes_file"` // synced into the store at startup, empty skips
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	home := lnmtHome()
	return Config{
		Store: StoreConfig{
			SqliteDir: home,
		},
		Scheduler: SchedulerConfig{
			MaxWorkers:           5,
			HistoryRetentionDays: 30,
		},
		Tracker: TrackerConfig{
			PollIntervalS: 120,
			LeaseFile:     "/var/lib/misc/dnsmasq.leases",
			PingEnabled:   true,
		},
		Detection: DetectionConfig{
			PingWindow:  3,
			MinBytesIn:  1024,
			MinBytesOut: 1024,
		},
		Auth: AuthConfig{
			SessionIdleS:     30 * 60,
			SessionRememberS: 24 * 60 * 60,
			LockoutThreshold: 5,
			LockoutWindowS:   15 * 60,
			LockoutDurationS: 15 * 60,
		},
		Health: HealthConfig{
			SelfHealMaxAttempts: 3,
			SelfHealWindowS:     60 * 60,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(home, "lnmt.log"),
		},
	}
}

// LoadConfig reads config from ~/.lnmt/config.toml, falling back to defaults.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(lnmtHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config to ~/.lnmt/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(lnmtHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// lnmtHome returns the LNMT data directory.
func lnmtHome() string {
	if env := os.Getenv("LNMT_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".lnmt")
}

// Home is exported for use by other packages.
func Home() string {
	return lnmtHome()
}
