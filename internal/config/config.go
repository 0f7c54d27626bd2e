// Package config loads rcsync settings from rcsync.yaml, with environment
// overrides under the RCSYNC_ prefix.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds the daemon and CLI settings.
type Config struct {
	// ServerURL is the base URL of the authoritative API.
	ServerURL string `mapstructure:"server_url"`

	// DataDir holds the local database, the session file, and logs.
	DataDir string `mapstructure:"data_dir"`

	// TickInterval is the periodic sync trigger.
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// PullLimit is the delta page size.
	PullLimit int `mapstructure:"pull_limit"`

	// JournalSoftLimit is the backlog size that raises the high-water
	// warning.
	JournalSoftLimit int `mapstructure:"journal_soft_limit"`

	// DashboardAddr is the listen address for the websocket dashboard;
	// empty disables it.
	DashboardAddr string `mapstructure:"dashboard_addr"`

	// LogFile is the daemon log path; empty logs to stderr only.
	LogFile string `mapstructure:"log_file"`

	// LogMaxSizeMB and LogMaxBackups bound log rotation.
	LogMaxSizeMB  int `mapstructure:"log_max_size_mb"`
	LogMaxBackups int `mapstructure:"log_max_backups"`
}

// DatabasePath returns the SQLite file under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "rcsync.db")
}

// Load reads configuration from the given file (or the default search
// path when file is empty) and returns it together with the viper instance
// backing Watch.
func Load(file string) (*Config, *viper.Viper, error) {
	v := viper.New()

	home, _ := os.UserHomeDir()
	v.SetDefault("server_url", "http://localhost:3000")
	v.SetDefault("data_dir", filepath.Join(home, ".rcsync"))
	v.SetDefault("tick_interval", 30*time.Second)
	v.SetDefault("pull_limit", 100)
	v.SetDefault("journal_soft_limit", 10000)
	v.SetDefault("dashboard_addr", "")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 10)
	v.SetDefault("log_max_backups", 3)

	v.SetEnvPrefix("RCSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("rcsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home != "" {
			v.AddConfigPath(filepath.Join(home, ".rcsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, v, nil
}

// Watch re-reads the config file on change and hands the fresh Config to
// fn. Unparseable edits are logged and skipped.
func Watch(v *viper.Viper, logger *log.Logger, fn func(*Config)) {
	v.OnConfigChange(func(ev fsnotify.Event) {
		if logger != nil {
			logger.Printf("config changed: %s", ev.Name)
		}
		cfg := &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			if logger != nil {
				logger.Printf("WARNING: ignoring config change: %v", err)
			}
			return
		}
		fn(cfg)
	})
	v.WatchConfig()
}
