package config

import (
	"fmt"
	"log/slog"

	"github.com/roach88/docsync/internal/checkpoint"
	"github.com/roach88/docsync/internal/logsink"
	"github.com/roach88/docsync/internal/replicator"
	"github.com/roach88/docsync/internal/store"
)

// ApplyTo copies the replication settings of f into cfg. Zero values leave
// cfg untouched so the replicator defaults apply.
func (f *File) ApplyTo(cfg *replicator.Config) {
	if f.Target != "" {
		cfg.Target = f.Target
	}
	if f.Direction != "" {
		cfg.Direction = replicator.Direction(f.Direction)
	}
	if len(f.Collections) > 0 {
		cfg.Collections = append([]string(nil), f.Collections...)
	}
	if f.Continuous {
		cfg.Continuous = true
	}
	setIfPositive(&cfg.BatchSize, f.BatchSize)
	setIfPositive(&cfg.HistoryLimit, f.HistoryLimit)
	setIfPositive(&cfg.CheckpointInterval, f.CheckpointInterval)
	setIfPositive(&cfg.ConnectTimeout, f.Timeouts.Connect)
	setIfPositive(&cfg.RequestTimeout, f.Timeouts.Request)
	setIfPositive(&cfg.KeepAlive, f.Timeouts.KeepAlive)
	setIfPositive(&cfg.ResolverTimeout, f.Timeouts.Resolver)
	setIfPositive(&cfg.RetryBase, f.Retry.Base)
	setIfPositive(&cfg.RetryMax, f.Retry.Max)
	if f.Retry.MaxAttempts != 0 {
		cfg.MaxRetries = f.Retry.MaxAttempts
	}
}

func setIfPositive[T ~int | ~int64](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

// CheckpointStore opens the configured checkpoint backend. Without one,
// checkpoints live in the revision store's database.
func (f *File) CheckpointStore(st *store.Store) (checkpoint.Store, error) {
	if f.Checkpoints != "" {
		return checkpoint.Open(f.Checkpoints)
	}
	cps, err := checkpoint.NewSQLite(st.DB())
	if err != nil {
		return nil, err
	}
	return cps, nil
}

// LogConfig builds the sink configuration. verbose lowers the console level
// to debug for every domain.
func (f *File) LogConfig(verbose bool) (logsink.Config, error) {
	cfg := logsink.DefaultConfig()
	if f.Logging.Level != "" {
		level, err := logsink.ParseLevel(f.Logging.Level)
		if err != nil {
			return cfg, err
		}
		cfg.Console.Level = level
	}
	if len(f.Logging.Domains) > 0 {
		mask, err := logsink.ParseDomains(f.Logging.Domains)
		if err != nil {
			return cfg, err
		}
		cfg.Console.Domains = mask
	}
	if verbose {
		cfg.Console.Level = slog.LevelDebug
		cfg.Console.Domains = logsink.DomainAll
	}

	if fl := f.Logging.File; fl.Directory != "" {
		level := slog.LevelInfo
		if fl.Level != "" {
			var err error
			if level, err = logsink.ParseLevel(fl.Level); err != nil {
				return cfg, fmt.Errorf("logging.file: %w", err)
			}
		}
		cfg.File = &logsink.FileSink{
			Level:        level,
			Directory:    fl.Directory,
			Plaintext:    fl.Plaintext,
			MaxKeptFiles: fl.MaxKeptFiles,
			MaxFileSize:  fl.MaxFileSize,
		}
	}
	return cfg, nil
}
