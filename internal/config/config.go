package config

import (
	"time"
)

type Config struct {
	StateStorage StateStorage    `mapstructure:"state_storage"`
	Sync         SyncConfig      `mapstructure:"sync"`
	Scheduler    SchedulerConfig `mapstructure:"scheduler"`
	Server       ServerConfig    `mapstructure:"server"`
	Client       ClientConfig    `mapstructure:"client"`
	Logging      LoggingConfig   `mapstructure:"logging"`
}

// StateStorage describes the authoritative store. Type is "mysql" or "sqlite".
type StateStorage struct {
	Type     string `mapstructure:"type"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	FilePath string `mapstructure:"file_path"` // For SQLite
}

type SyncConfig struct {
	// Realtime enables the binlog listener on a MySQL state storage.
	Realtime             bool              `mapstructure:"realtime"`
	Replication          ReplicationConfig `mapstructure:"replication"`
	PullDefaultLimit     int               `mapstructure:"pull_default_limit"`
	PullMaxLimit         int               `mapstructure:"pull_max_limit"`
	PullDefaultWindow    time.Duration     `mapstructure:"pull_default_window"`
	IdempotencyRetention time.Duration     `mapstructure:"idempotency_retention"`
	AuditRetention       time.Duration     `mapstructure:"audit_retention"`
	NoticeFlushInterval  time.Duration     `mapstructure:"notice_flush_interval"`
	NoticeBatchSize      int               `mapstructure:"notice_batch_size"`
}

type ReplicationConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	ServerID uint32 `mapstructure:"server_id"`
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

// ClientConfig configures a POS terminal.
type ClientConfig struct {
	ServerURL      string        `mapstructure:"server_url"`
	AuthToken      string        `mapstructure:"auth_token"`
	ClientID       string        `mapstructure:"client_id"`
	DataDir        string        `mapstructure:"data_dir"`
	MaxRetries     int           `mapstructure:"max_retries"`
	DrainInterval  time.Duration `mapstructure:"drain_interval"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PullLimit      int           `mapstructure:"pull_limit"`
	Compress       bool          `mapstructure:"compress"`
	Watch          bool          `mapstructure:"watch"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
