package replicator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/docsync/internal/checkpoint"
	"github.com/roach88/docsync/internal/conflict"
	"github.com/roach88/docsync/internal/eventbus"
	"github.com/roach88/docsync/internal/store"
	"github.com/roach88/docsync/internal/transport"
)

// Direction selects which way documents flow.
type Direction string

const (
	DirectionPush        Direction = "push"
	DirectionPull        Direction = "pull"
	DirectionPushAndPull Direction = "push_and_pull"
)

func (d Direction) pushes() bool { return d == DirectionPush || d == DirectionPushAndPull }
func (d Direction) pulls() bool  { return d == DirectionPull || d == DirectionPushAndPull }

// Defaults applied by New for zero-valued fields.
const (
	DefaultBatchSize          = 100
	DefaultHistoryLimit       = 50
	DefaultConnectTimeout     = 10 * time.Second
	DefaultRequestTimeout     = 30 * time.Second
	DefaultKeepAlive          = 30 * time.Second
	DefaultRetryBase          = 500 * time.Millisecond
	DefaultRetryMax           = 5 * time.Minute
	DefaultMaxRetries         = 9
	DefaultCheckpointInterval = 5 * time.Second
)

// Config describes one replication.
type Config struct {
	// Store is the local revision store.
	Store *store.Store

	// Target identifies the remote endpoint, typically its URL. It is part
	// of the replication identity and keys the record of what the remote
	// holds.
	Target string

	// Dialer opens a session to the target. Called again on reconnect.
	Dialer transport.Dialer

	Direction   Direction
	Collections []string
	Continuous  bool

	// Resolver decides forks. Nil uses conflict.Default.
	Resolver conflict.Resolver

	// Checkpoints persists progress. Nil keeps checkpoints in memory.
	Checkpoints checkpoint.Store

	// Bus receives status and document events. Nil publishes nowhere.
	Bus *eventbus.Bus

	Logger *slog.Logger

	// Now stamps checkpoints and events. Nil uses time.Now.
	Now func() time.Time

	BatchSize    int
	HistoryLimit int

	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	KeepAlive       time.Duration
	ResolverTimeout time.Duration

	// Reconnect backoff doubles from RetryBase up to RetryMax. One-shot
	// replications give up after MaxRetries consecutive failures; a
	// negative MaxRetries gives up on the first one.
	RetryBase  time.Duration
	RetryMax   time.Duration
	MaxRetries int

	// CheckpointInterval limits how often continuous replications save
	// checkpoints. One-shot replications save after every batch.
	CheckpointInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Direction == "" {
		c.Direction = DirectionPushAndPull
	}
	if c.Resolver == nil {
		c.Resolver = conflict.Default
	}
	if c.Checkpoints == nil {
		c.Checkpoints = checkpoint.NewMemory()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	setDefault(&c.BatchSize, DefaultBatchSize)
	setDefault(&c.HistoryLimit, DefaultHistoryLimit)
	setDefault(&c.ConnectTimeout, DefaultConnectTimeout)
	setDefault(&c.RequestTimeout, DefaultRequestTimeout)
	setDefault(&c.KeepAlive, DefaultKeepAlive)
	setDefault(&c.ResolverTimeout, conflict.DefaultTimeout)
	setDefault(&c.RetryBase, DefaultRetryBase)
	setDefault(&c.RetryMax, DefaultRetryMax)
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	setDefault(&c.CheckpointInterval, DefaultCheckpointInterval)
}

func setDefault[T int | time.Duration](v *T, def T) {
	if *v <= 0 {
		*v = def
	}
}

// validate reports the first invalid field as a configuration error.
func (c *Config) validate() error {
	switch {
	case c.Store == nil:
		return configError("store is required")
	case c.Target == "":
		return configError("target is required")
	case c.Dialer == nil:
		return configError("dialer is required")
	case len(c.Collections) == 0:
		return configError("at least one collection is required")
	}
	switch c.Direction {
	case DirectionPush, DirectionPull, DirectionPushAndPull:
	default:
		return configError(fmt.Sprintf("unknown direction %q", c.Direction))
	}

	seen := make(map[string]bool, len(c.Collections))
	for _, coll := range c.Collections {
		if coll == "" {
			return configError("collection names must not be empty")
		}
		if seen[coll] {
			return configError(fmt.Sprintf("collection %q listed twice", coll))
		}
		seen[coll] = true
	}
	if c.RetryMax < c.RetryBase {
		return configError("retry_max must not be below retry_base")
	}
	return nil
}

func (c *Config) participates(collection string) bool {
	for _, coll := range c.Collections {
		if coll == collection {
			return true
		}
	}
	return false
}
