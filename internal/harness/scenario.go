package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario is a replication test between named peers.
type Scenario struct {
	// Name uniquely identifies this scenario; it names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Peers names the stores taking part. At least two are required.
	Peers []string `yaml:"peers"`

	// Collections replicated by every replication step. Defaults to
	// DefaultCollection.
	Collections []string `yaml:"collections,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// DefaultCollection is used when a scenario names no collections.
const DefaultCollection = "docs"

// Step is a local edit or a replication run.
type Step struct {
	// Op is one of put, delete, push, pull or sync.
	Op string `yaml:"op"`

	// Peer is the edited store, or the active side of a replication.
	Peer string `yaml:"peer"`

	// Remote is the passive side of a replication.
	Remote string `yaml:"remote,omitempty"`

	// Collection defaults to the scenario's first collection.
	Collection string `yaml:"collection,omitempty"`

	Doc  string         `yaml:"doc,omitempty"`
	Body map[string]any `yaml:"body,omitempty"`

	// Resolver is default, local, remote or delete.
	Resolver string `yaml:"resolver,omitempty"`
}

// Step operations.
const (
	OpPut    = "put"
	OpDelete = "delete"
	OpPush   = "push"
	OpPull   = "pull"
	OpSync   = "sync"
)

// Resolver names.
const (
	ResolverDefault = "default"
	ResolverLocal   = "local"
	ResolverRemote  = "remote"
	ResolverDelete  = "delete"
)

func (s Step) replicates() bool {
	return s.Op == OpPush || s.Op == OpPull || s.Op == OpSync
}

// Assertion validates the final state of the peers.
type Assertion struct {
	// Type is converged, leaf_generation, deleted, pending_count or
	// conflict_count.
	Type string `yaml:"type"`

	Peer       string `yaml:"peer,omitempty"`
	Remote     string `yaml:"remote,omitempty"`
	Collection string `yaml:"collection,omitempty"`
	Doc        string `yaml:"doc,omitempty"`

	// Peers limits converged to these peers; empty means all.
	Peers []string `yaml:"peers,omitempty"`

	Generation int64 `yaml:"generation,omitempty"`
	Count      int   `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged      = "converged"
	AssertLeafGeneration = "leaf_generation"
	AssertDeleted        = "deleted"
	AssertPendingCount   = "pending_count"
	AssertConflictCount  = "conflict_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML, rejecting unknown fields.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// collections returns the replicated collections, defaulted.
func (s *Scenario) collections() []string {
	if len(s.Collections) == 0 {
		return []string{DefaultCollection}
	}
	return s.Collections
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Peers) < 2 {
		return fmt.Errorf("at least two peers are required")
	}
	for i, p := range s.Peers {
		if p == "" {
			return fmt.Errorf("peers[%d]: name is required", i)
		}
		if slices.Contains(s.Peers[:i], p) {
			return fmt.Errorf("peers[%d]: duplicate peer %q", i, p)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	colls := s.collections()
	for i, step := range s.Steps {
		if err := validateStep(s, colls, step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(s, colls, a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(s *Scenario, colls []string, step Step) error {
	if !slices.Contains(s.Peers, step.Peer) {
		return fmt.Errorf("unknown peer %q", step.Peer)
	}
	if step.Collection != "" && !slices.Contains(colls, step.Collection) {
		return fmt.Errorf("unknown collection %q", step.Collection)
	}

	switch step.Op {
	case OpPut, OpDelete:
		if step.Doc == "" {
			return fmt.Errorf("doc is required for %s", step.Op)
		}
		if step.Op == OpPut && step.Body == nil {
			return fmt.Errorf("body is required for put (use {} for an empty body)")
		}
	case OpPush, OpPull, OpSync:
		if !slices.Contains(s.Peers, step.Remote) {
			return fmt.Errorf("unknown remote %q", step.Remote)
		}
		if step.Remote == step.Peer {
			return fmt.Errorf("peer cannot replicate with itself")
		}
		switch step.Resolver {
		case "", ResolverDefault, ResolverLocal, ResolverRemote, ResolverDelete:
		default:
			return fmt.Errorf("unknown resolver %q", step.Resolver)
		}
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	return nil
}

func validateAssertion(s *Scenario, colls []string, a Assertion) error {
	if a.Collection != "" && !slices.Contains(colls, a.Collection) {
		return fmt.Errorf("unknown collection %q", a.Collection)
	}
	needPeer := func() error {
		if !slices.Contains(s.Peers, a.Peer) {
			return fmt.Errorf("unknown peer %q", a.Peer)
		}
		return nil
	}

	switch a.Type {
	case "":
		return fmt.Errorf("type is required")
	case AssertConverged:
		for _, p := range a.Peers {
			if !slices.Contains(s.Peers, p) {
				return fmt.Errorf("unknown peer %q", p)
			}
		}
		return nil
	case AssertLeafGeneration:
		if a.Doc == "" || a.Generation <= 0 {
			return fmt.Errorf("doc and a positive generation are required for leaf_generation")
		}
		return needPeer()
	case AssertDeleted:
		if a.Doc == "" {
			return fmt.Errorf("doc is required for deleted")
		}
		return needPeer()
	case AssertPendingCount:
		if !slices.Contains(s.Peers, a.Remote) {
			return fmt.Errorf("unknown remote %q", a.Remote)
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative")
		}
		return needPeer()
	case AssertConflictCount:
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative")
		}
		return needPeer()
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}
