package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "POSSYNC"

// LoadConfig reads the YAML file at path (optional when empty) and applies
// POSSYNC_* environment overrides on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// WatchConfig reloads the file at path whenever it changes and hands the new
// configuration to onChange. Reload errors are passed as well so callers can log them.
func WatchConfig(path string, onChange func(*Config, error)) error {
	if path == "" {
		return errors.New("watch requires a config file")
	}
	v, err := newViper(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(decode(v))
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_storage.type", "sqlite")
	v.SetDefault("state_storage.host", "127.0.0.1")
	v.SetDefault("state_storage.port", 3306)
	v.SetDefault("state_storage.user", "")
	v.SetDefault("state_storage.password", "")
	v.SetDefault("state_storage.database", "possync")
	v.SetDefault("state_storage.file_path", "possync.db")

	v.SetDefault("sync.realtime", false)
	v.SetDefault("sync.replication.user", "")
	v.SetDefault("sync.replication.password", "")
	v.SetDefault("sync.replication.server_id", 1001)
	v.SetDefault("sync.pull_default_limit", 1000)
	v.SetDefault("sync.pull_max_limit", 5000)
	v.SetDefault("sync.pull_default_window", 24*time.Hour)
	v.SetDefault("sync.idempotency_retention", 72*time.Hour)
	v.SetDefault("sync.audit_retention", 30*24*time.Hour)
	v.SetDefault("sync.notice_flush_interval", 500*time.Millisecond)
	v.SetDefault("sync.notice_batch_size", 100)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "@every 1h")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("client.server_url", "http://127.0.0.1:8080")
	v.SetDefault("client.auth_token", "")
	v.SetDefault("client.client_id", "")
	v.SetDefault("client.data_dir", ".possync")
	v.SetDefault("client.max_retries", 3)
	v.SetDefault("client.drain_interval", 30*time.Second)
	v.SetDefault("client.ping_interval", 10*time.Second)
	v.SetDefault("client.request_timeout", 10*time.Second)
	v.SetDefault("client.pull_limit", 1000)
	v.SetDefault("client.compress", false)
	v.SetDefault("client.watch", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// ValidateServer checks the sections the sync server depends on.
func (c *Config) ValidateServer() error {
	switch c.StateStorage.Type {
	case "mysql":
		if c.StateStorage.Database == "" {
			return errors.New("state_storage.database is required for mysql")
		}
	case "sqlite":
		if c.StateStorage.FilePath == "" {
			return errors.New("state_storage.file_path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported state_storage.type %q", c.StateStorage.Type)
	}
	if c.Server.AuthToken == "" {
		return errors.New("server.auth_token is required")
	}
	if c.Sync.Realtime && c.StateStorage.Type != "mysql" {
		return errors.New("sync.realtime requires a mysql state storage")
	}
	if c.Sync.PullDefaultLimit <= 0 || c.Sync.PullMaxLimit < c.Sync.PullDefaultLimit {
		return fmt.Errorf("invalid pull limits: default %d, max %d", c.Sync.PullDefaultLimit, c.Sync.PullMaxLimit)
	}
	return nil
}

// ValidateClient checks the client section.
func (c *Config) ValidateClient() error {
	if c.Client.ServerURL == "" {
		return errors.New("client.server_url is required")
	}
	if c.Client.DataDir == "" {
		return errors.New("client.data_dir is required")
	}
	if c.Client.MaxRetries < 0 {
		return fmt.Errorf("client.max_retries must not be negative, got %d", c.Client.MaxRetries)
	}
	if c.Client.DrainInterval < time.Second {
		return fmt.Errorf("client.drain_interval must be at least 1s, got %s", c.Client.DrainInterval)
	}
	return nil
}
