// Package logsink routes the process's structured logs to configurable
// sinks.
//
// Three sinks exist: the console (stderr by default), a rotating file sink
// and a custom callback. Each has its own level, and the console and custom
// sinks have a domain mask. Loggers returned by Logger look up the current
// configuration on every record, so Configure and Reset apply to loggers
// that already exist.
package logsink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Domain is a logging subsystem. Domains combine into masks.
type Domain uint8

const (
	DomainReplicator Domain = 1 << iota
	DomainNetwork
	DomainDatabase
	DomainListener

	DomainAll = DomainReplicator | DomainNetwork | DomainDatabase | DomainListener
)

var domainNames = []struct {
	d    Domain
	name string
}{
	{DomainReplicator, "replicator"},
	{DomainNetwork, "network"},
	{DomainDatabase, "database"},
	{DomainListener, "listener"},
}

// String returns the domain names in the mask joined by "|".
func (d Domain) String() string {
	var parts []string
	for _, dn := range domainNames {
		if d&dn.d != 0 {
			parts = append(parts, dn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseDomains builds a mask from domain names. "all" selects every domain;
// no names selects none.
func ParseDomains(names []string) (Domain, error) {
	var mask Domain
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "all" {
			mask |= DomainAll
			continue
		}
		found := false
		for _, dn := range domainNames {
			if dn.name == name {
				mask |= dn.d
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown log domain %q", name)
		}
	}
	return mask, nil
}

// ParseLevel parses debug, info, warn/warning or error.
func ParseLevel(s string) (slog.Level, error) {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// ConsoleSink writes text lines to Writer.
type ConsoleSink struct {
	Level   slog.Level
	Domains Domain
	// Writer defaults to os.Stderr.
	Writer io.Writer
}

// CustomSink hands every accepted record to Callback. Callback runs on the
// logging goroutine and must not block.
type CustomSink struct {
	Level    slog.Level
	Domains  Domain
	Callback func(Entry)
}

// Entry is a record delivered to a CustomSink. Attrs include those added
// with Logger.With, group names folded into dotted keys.
type Entry struct {
	Level   slog.Level
	Domain  Domain
	Message string
	Attrs   map[string]any
}

// Config selects the active sinks. A nil sink is disabled.
type Config struct {
	Console *ConsoleSink
	File    *FileSink
	Custom  *CustomSink
}

// DefaultConfig logs warnings and errors of every domain to stderr.
func DefaultConfig() Config {
	return Config{Console: &ConsoleSink{Level: slog.LevelWarn, Domains: DomainAll}}
}

type sink struct {
	level   slog.Level
	domains Domain
	handler slog.Handler
}

type state struct {
	sinks  []sink
	closer io.Closer
}

var (
	mu      sync.Mutex
	current atomic.Pointer[state]
)

func init() {
	st, _ := build(DefaultConfig())
	current.Store(st)
}

// Configure replaces the active sinks. On error the previous configuration
// stays in place.
func Configure(cfg Config) error {
	st, err := build(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	old := current.Swap(st)
	return closeState(old)
}

// Reset restores DefaultConfig and closes any open log file.
func Reset() {
	st, _ := build(DefaultConfig())
	mu.Lock()
	defer mu.Unlock()
	_ = closeState(current.Swap(st))
}

func closeState(st *state) error {
	if st == nil || st.closer == nil {
		return nil
	}
	return st.closer.Close()
}

func build(cfg Config) (*state, error) {
	st := &state{}
	if c := cfg.Console; c != nil {
		w := c.Writer
		if w == nil {
			w = os.Stderr
		}
		st.sinks = append(st.sinks, sink{
			level:   c.Level,
			domains: c.Domains,
			handler: slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}),
		})
	}
	if f := cfg.File; f != nil {
		h, closer, err := f.open()
		if err != nil {
			return nil, err
		}
		st.sinks = append(st.sinks, sink{level: f.Level, domains: DomainAll, handler: h})
		st.closer = closer
	}
	if c := cfg.Custom; c != nil {
		if c.Callback == nil {
			return nil, fmt.Errorf("custom log sink: callback is required")
		}
		st.sinks = append(st.sinks, sink{
			level:   c.Level,
			domains: c.Domains,
			handler: &callbackHandler{callback: c.Callback},
		})
	}
	return st, nil
}

// Logger returns a logger for domain that writes through the active sinks.
func Logger(domain Domain) *slog.Logger {
	return slog.New(&domainHandler{domain: domain})
}

// step is one With or WithGroup call, replayed onto each sink's handler.
type step struct {
	group string
	attrs []slog.Attr
}

type domainHandler struct {
	domain Domain
	steps  []step
}

func (h *domainHandler) Enabled(_ context.Context, level slog.Level) bool {
	for _, s := range current.Load().sinks {
		if s.domains&h.domain != 0 && level >= s.level {
			return true
		}
	}
	return false
}

func (h *domainHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, s := range current.Load().sinks {
		if s.domains&h.domain == 0 || r.Level < s.level {
			continue
		}
		target := s.handler.WithAttrs([]slog.Attr{slog.String("domain", h.domain.String())})
		for _, st := range h.steps {
			if st.group != "" {
				target = target.WithGroup(st.group)
			} else {
				target = target.WithAttrs(st.attrs)
			}
		}
		if cb, ok := target.(*callbackHandler); ok {
			cb.domain = h.domain
		}
		if err := target.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *domainHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(step{attrs: attrs})
}

func (h *domainHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(step{group: name})
}

func (h *domainHandler) with(s step) *domainHandler {
	steps := make([]step, len(h.steps), len(h.steps)+1)
	copy(steps, h.steps)
	return &domainHandler{domain: h.domain, steps: append(steps, s)}
}

// callbackHandler flattens records into Entry values.
type callbackHandler struct {
	callback func(Entry)
	domain   Domain
	prefix   string
	attrs    map[string]any
}

func (h *callbackHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *callbackHandler) Handle(_ context.Context, r slog.Record) error {
	e := Entry{Level: r.Level, Domain: h.domain, Message: r.Message, Attrs: make(map[string]any, len(h.attrs)+r.NumAttrs())}
	for k, v := range h.attrs {
		e.Attrs[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(e.Attrs, h.prefix, a)
		return true
	})
	delete(e.Attrs, "domain")
	h.callback(e)
	return nil
}

func (h *callbackHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	for _, a := range attrs {
		addAttr(next.attrs, h.prefix, a)
	}
	return next
}

func (h *callbackHandler) WithGroup(name string) slog.Handler {
	next := h.clone()
	next.prefix = h.prefix + name + "."
	return next
}

func (h *callbackHandler) clone() *callbackHandler {
	attrs := make(map[string]any, len(h.attrs))
	for k, v := range h.attrs {
		attrs[k] = v
	}
	return &callbackHandler{callback: h.callback, domain: h.domain, prefix: h.prefix, attrs: attrs}
}

func addAttr(into map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			addAttr(into, prefix+a.Key+".", ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	into[prefix+a.Key] = v.Any()
}
