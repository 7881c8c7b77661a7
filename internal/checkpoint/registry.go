package checkpoint

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Factory builds a Store from a DSN.
type Factory func(dsn string) (Store, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{
		"memory":     func(string) (Store, error) { return NewMemory(), nil },
		"file":       openFile,
		"sqlite":     openSQLite,
		"postgres":   openPostgres,
		"postgresql": openPostgres,
		"redis":      openRedis,
	},
}

// Register installs a factory for a DSN scheme, replacing any existing one.
func Register(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[scheme] = factory
}

// Open builds a Store from a DSN such as memory://, file:///var/lib/cp,
// sqlite:///tmp/cp.db, postgres://user@host/db or redis://host:6379/0.
// A bare path is treated as a file backend directory.
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDSN)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	scheme := normalizeScheme(parsed.Scheme)
	if scheme == "" {
		scheme = "file"
	}

	registry.mu.RLock()
	factory, ok := registry.factories[scheme]
	registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported checkpoint backend scheme: %s", scheme)
	}
	return factory(dsn)
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// dsnPath extracts a filesystem path from file:// and sqlite:// DSNs.
func dsnPath(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if parsed.Host != "" {
		// file://relative/dir parses "relative" as the host.
		path = parsed.Host + path
	}
	if path == "" {
		return "", fmt.Errorf("%w: no path in %q", ErrInvalidDSN, raw)
	}
	return path, nil
}
