// Package config loads docsync settings from a YAML file and DOCSYNC_*
// environment variables, and checks them against an embedded CUE schema.
//
// Precedence: defaults, then the file, then the environment. Command-line
// flags are applied by the caller on top of the loaded File.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DOCSYNC_"

// File is the on-disk and environment configuration.
type File struct {
	Database    string   `yaml:"database,omitempty" env:"DB"`
	Target      string   `yaml:"target,omitempty" env:"TARGET"`
	Listen      string   `yaml:"listen,omitempty" env:"LISTEN"`
	Checkpoints string   `yaml:"checkpoints,omitempty" env:"CHECKPOINTS"`
	Direction   string   `yaml:"direction,omitempty" env:"DIRECTION"`
	Collections []string `yaml:"collections,omitempty" env:"COLLECTIONS"`
	Continuous  bool     `yaml:"continuous,omitempty" env:"CONTINUOUS"`

	BatchSize          int           `yaml:"batch_size,omitempty" env:"BATCH_SIZE"`
	HistoryLimit       int           `yaml:"history_limit,omitempty" env:"HISTORY_LIMIT"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval,omitempty" env:"CHECKPOINT_INTERVAL"`

	Timeouts Timeouts `yaml:"timeouts,omitempty" envPrefix:"TIMEOUT_"`
	Retry    Retry    `yaml:"retry,omitempty" envPrefix:"RETRY_"`
	Logging  Logging  `yaml:"logging,omitempty" envPrefix:"LOG_"`
}

type Timeouts struct {
	Connect   time.Duration `yaml:"connect,omitempty" env:"CONNECT"`
	Request   time.Duration `yaml:"request,omitempty" env:"REQUEST"`
	KeepAlive time.Duration `yaml:"keep_alive,omitempty" env:"KEEP_ALIVE"`
	Resolver  time.Duration `yaml:"resolver,omitempty" env:"RESOLVER"`
}

type Retry struct {
	Base time.Duration `yaml:"base,omitempty" env:"BASE"`
	Max  time.Duration `yaml:"max,omitempty" env:"MAX"`
	// MaxAttempts bounds one-shot reconnects; -1 disables retrying.
	MaxAttempts int `yaml:"max_attempts,omitempty" env:"MAX_ATTEMPTS"`
}

type Logging struct {
	Level   string   `yaml:"level,omitempty" env:"LEVEL"`
	Domains []string `yaml:"domains,omitempty" env:"DOMAINS"`
	File    FileLog  `yaml:"file,omitempty" envPrefix:"FILE_"`
}

// FileLog enables the file sink when Directory is set.
type FileLog struct {
	Directory    string `yaml:"directory,omitempty" env:"DIR"`
	Level        string `yaml:"level,omitempty" env:"LEVEL"`
	Plaintext    bool   `yaml:"plaintext,omitempty" env:"PLAINTEXT"`
	MaxKeptFiles int    `yaml:"max_kept_files,omitempty" env:"MAX_KEPT_FILES"`
	MaxFileSize  int64  `yaml:"max_file_size,omitempty" env:"MAX_FILE_SIZE"`
}

// Load reads path (skipped when empty), applies process environment
// overrides and validates the result.
func Load(path string) (*File, error) {
	return LoadWithEnv(path, nil)
}

// LoadWithEnv is Load with an explicit environment. A nil environ reads the
// process environment.
func LoadWithEnv(path string, environ map[string]string) (*File, error) {
	f := &File{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(bytes.TrimSpace(data)) > 0 {
			if err := ValidateYAML(path, data); err != nil {
				return nil, err
			}
		}
		if err := yaml.Unmarshal(data, f); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(f, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := Validate(f); err != nil {
		return nil, err
	}
	return f, nil
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")
