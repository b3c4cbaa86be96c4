// Package config loads service and session settings from a yaml file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// shared
	ServerURL string `mapstructure:"server_url"`

	// session
	QueuePath string `mapstructure:"queue_path"`
	// BootstrapTimeout must cover transport handshake + backend log read +
	// frame transmission + merge latency with margin for tail latency. Tune
	// it per deployment; too small and bootstrap duplicates content.
	BootstrapTimeout     time.Duration `mapstructure:"bootstrap_timeout"`
	DebounceWindow       time.Duration `mapstructure:"debounce_window"`
	MaxWait              time.Duration `mapstructure:"max_wait"`
	ReconnectMaxAttempts uint64        `mapstructure:"reconnect_max_attempts"`
	TransientRetries     uint64        `mapstructure:"transient_retries"`
	QueueRetryCeiling    int           `mapstructure:"queue_retry_ceiling"`

	// snapshotd
	ListenAddr     string        `mapstructure:"listen_addr"`
	DatabasePath   string        `mapstructure:"database_path"`
	SaveRate       float64       `mapstructure:"save_rate"`
	SaveBurst      int           `mapstructure:"save_burst"`
	BackupInterval time.Duration `mapstructure:"backup_interval"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("queue_path", "docrelay-queue.db")
	v.SetDefault("bootstrap_timeout", 3*time.Second)
	v.SetDefault("debounce_window", 2*time.Second)
	v.SetDefault("max_wait", 20*time.Second)
	v.SetDefault("reconnect_max_attempts", 5)
	v.SetDefault("transient_retries", 3)
	v.SetDefault("queue_retry_ceiling", 5)
	v.SetDefault("listen_addr", "localhost:8080")
	v.SetDefault("database_path", "docrelay.sqlite3")
	v.SetDefault("save_rate", 5.0)
	v.SetDefault("save_burst", 10)
	v.SetDefault("backup_interval", 5*time.Second)
}

// Load reads the config file at path, or the defaults when path is empty or
// the file is absent. Every key can be overridden via DOCRELAY_* env vars.
func Load(path string) (Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("DOCRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		// no config file: defaults + env only
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}
