package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mwantia/drivecatalog/backup"
	"github.com/mwantia/drivecatalog/log"
)

// Config is the yaml file representation of engine settings, used by
// catalogctl and other embedding processes.
type Config struct {
	Root string `yaml:"root"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	CacheCapacity       int `yaml:"cache_capacity"`
	BackupRetentionDays int `yaml:"backup_retention_days"`

	Remote *RemoteConfig `yaml:"remote_backup"`
}

type RemoteConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// LoadConfig reads and parses a yaml config file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Options translates the file settings into engine options.
func (cfg *Config) Options() []EngineOption {
	opts := []EngineOption{
		WithLogLevel(log.Parse(cfg.LogLevel)),
	}

	if cfg.LogFile != "" {
		opts = append(opts, WithLogFile(cfg.LogFile))
	}
	if cfg.CacheCapacity > 0 {
		opts = append(opts, WithCacheCapacity(cfg.CacheCapacity))
	}
	if cfg.BackupRetentionDays > 0 {
		opts = append(opts, WithBackupRetention(cfg.BackupRetentionDays))
	}
	if cfg.Remote != nil {
		opts = append(opts, WithRemoteBackup(backup.RemoteConfig{
			Endpoint:  cfg.Remote.Endpoint,
			AccessKey: cfg.Remote.AccessKey,
			SecretKey: cfg.Remote.SecretKey,
			Bucket:    cfg.Remote.Bucket,
			Prefix:    cfg.Remote.Prefix,
			UseSSL:    cfg.Remote.UseSSL,
		}))
	}

	return opts
}
