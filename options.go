package catalog

import (
	"github.com/mwantia/drivecatalog/backup"
	"github.com/mwantia/drivecatalog/data"
	"github.com/mwantia/drivecatalog/drive"
	"github.com/mwantia/drivecatalog/log"
)

type EngineOptions struct {
	LogLevel      log.LogLevel
	LogFile       string
	NoTerminalLog bool

	CacheCapacity       int
	BackupRetentionDays int
	Remote              *backup.RemoteConfig
	Progress            data.ProgressFunc

	// Skips crash detection at startup. Meant for tests that stage their
	// own marker state.
	NoStartupRecovery bool
}

type EngineOption func(*EngineOptions) error

func newDefaultEngineOptions() *EngineOptions {
	return &EngineOptions{
		LogLevel:      log.Info,
		CacheCapacity: drive.DefaultCacheCapacity,
	}
}

func WithLogLevel(level log.LogLevel) EngineOption {
	return func(opts *EngineOptions) error {
		opts.LogLevel = level
		return nil
	}
}

func WithLogFile(file string) EngineOption {
	return func(opts *EngineOptions) error {
		opts.LogFile = file
		return nil
	}
}

func WithoutTerminalLog() EngineOption {
	return func(opts *EngineOptions) error {
		opts.NoTerminalLog = true
		return nil
	}
}

// WithCacheCapacity bounds the number of concurrently open drive handles.
func WithCacheCapacity(capacity int) EngineOption {
	return func(opts *EngineOptions) error {
		opts.CacheCapacity = capacity
		return nil
	}
}

// WithBackupRetention sets the default age threshold used by CleanupBackups
// when called with no explicit value.
func WithBackupRetention(days int) EngineOption {
	return func(opts *EngineOptions) error {
		opts.BackupRetentionDays = days
		return nil
	}
}

// WithRemoteBackup mirrors local backup artifacts to an S3-compatible
// bucket. Uploads are best effort and restores never depend on them.
func WithRemoteBackup(cfg backup.RemoteConfig) EngineOption {
	return func(opts *EngineOptions) error {
		opts.Remote = &cfg
		return nil
	}
}

// WithProgress registers a callback for sync progress events.
func WithProgress(fn data.ProgressFunc) EngineOption {
	return func(opts *EngineOptions) error {
		opts.Progress = fn
		return nil
	}
}

func WithoutStartupRecovery() EngineOption {
	return func(opts *EngineOptions) error {
		opts.NoStartupRecovery = true
		return nil
	}
}
