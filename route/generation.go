package route

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/HeKunYang1996/netsrv/errors"
	"github.com/HeKunYang1996/netsrv/record"
)

// SourceConfig selects which store keys the poller scans
type SourceConfig struct {
	// Patterns are the scan match patterns ("comsrv:*")
	Patterns []string `yaml:"patterns" json:"patterns"`
	// ExcludePatterns filter out matched keys before fetching
	ExcludePatterns []string `yaml:"exclude_patterns" json:"exclude_patterns"`
	// DefaultType is applied to keys whose namespace carries no known
	// type tag; empty leaves them unknown (routed to the drop path)
	DefaultType record.DataType `yaml:"default_type" json:"default_type"`
	// ScanCount is the per-iteration scan hint
	ScanCount int64 `yaml:"scan_count" json:"scan_count"`
}

// Globals holds engine-wide settings carried by each generation
type Globals struct {
	// Source selects what the poller scans
	Source SourceConfig `yaml:"source" json:"source"`
	// PollInterval is the source scan cadence
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// MaxRetries bounds delivery attempts per batch (attempts = 1 + retries)
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// RetryInitialDelay seeds the exponential backoff curve
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" json:"retry_initial_delay"`
	// RetryMaxDelay caps the backoff curve
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" json:"retry_max_delay"`
	// QueueDepth bounds each rule's dispatch queue
	QueueDepth int `yaml:"queue_depth" json:"queue_depth"`
	// OfflineThreshold is the silence window before a device goes offline
	OfflineThreshold time.Duration `yaml:"offline_threshold" json:"offline_threshold"`
	// SweepInterval is the liveness sweep cadence
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// applyDefaults fills zero-valued globals
func (g *Globals) applyDefaults() {
	if len(g.Source.Patterns) == 0 {
		g.Source.Patterns = []string{"*"}
	}
	if g.Source.ScanCount == 0 {
		g.Source.ScanCount = 100
	}
	if g.PollInterval == 0 {
		g.PollInterval = 5 * time.Second
	}
	if g.MaxRetries == 0 {
		g.MaxRetries = 3
	}
	if g.RetryInitialDelay == 0 {
		g.RetryInitialDelay = 200 * time.Millisecond
	}
	if g.RetryMaxDelay == 0 {
		g.RetryMaxDelay = 10 * time.Second
	}
	if g.QueueDepth == 0 {
		g.QueueDepth = 16
	}
	if g.OfflineThreshold == 0 {
		g.OfflineThreshold = 60 * time.Second
	}
	if g.SweepInterval == 0 {
		g.SweepInterval = 10 * time.Second
	}
}

// Validate checks global bounds
func (g *Globals) Validate() error {
	if g.MaxRetries < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Globals", "Validate",
			fmt.Sprintf("max_retries must be >= 0, got %d", g.MaxRetries))
	}
	if g.QueueDepth < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Globals", "Validate",
			fmt.Sprintf("queue_depth must be >= 1, got %d", g.QueueDepth))
	}
	if g.OfflineThreshold <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Globals", "Validate",
			"offline_threshold must be positive")
	}
	if dt := g.Source.DefaultType; dt != "" && (!dt.Valid() || dt == record.TypeUnknown) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Globals", "Validate",
			fmt.Sprintf("source default_type %q is not a known type", dt))
	}
	return nil
}

// generationSeq issues monotonically increasing generation IDs
var generationSeq atomic.Uint64

// Generation is an immutable snapshot of all enabled rules plus globals.
// Exactly one generation is active at a time; in-flight batches keep
// referencing the generation they were created under.
type Generation struct {
	ID        uint64
	CreatedAt time.Time
	Globals   Globals

	rules  []*Rule
	byName map[string]*Rule
}

// NewGeneration validates rules and globals and builds a snapshot.
// Validation failures reject the whole generation; callers keep the prior
// one active. Disabled rules are validated but excluded from matching.
func NewGeneration(rules []*Rule, globals Globals) (*Generation, error) {
	globals.applyDefaults()
	if err := globals.Validate(); err != nil {
		return nil, err
	}

	byName := make(map[string]*Rule, len(rules))
	active := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		r.applyDefaults()
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, exists := byName[r.Name]; exists {
			return nil, errors.WrapInvalid(errors.ErrDuplicateRoute, "Generation", "NewGeneration",
				fmt.Sprintf("rule %q", r.Name))
		}
		byName[r.Name] = r
		if r.Enabled {
			active = append(active, r)
		}
	}

	return &Generation{
		ID:        generationSeq.Add(1),
		CreatedAt: time.Now(),
		Globals:   globals,
		rules:     active,
		byName:    byName,
	}, nil
}

// Rules returns all rules of the generation, enabled or not
func (g *Generation) Rules() []*Rule {
	out := make([]*Rule, 0, len(g.byName))
	for _, r := range g.byName {
		out = append(out, r)
	}
	return out
}

// Rule looks up a rule by name
func (g *Generation) Rule(name string) (*Rule, bool) {
	r, ok := g.byName[name]
	return r, ok
}

// Match returns every enabled rule whose type filter accepts dt,
// in stable configuration order.
func (g *Generation) Match(dt record.DataType) []*Rule {
	var matched []*Rule
	for _, r := range g.rules {
		if r.Matches(dt) {
			matched = append(matched, r)
		}
	}
	return matched
}

// Store holds the active generation pointer. Readers always observe a
// complete generation; reloads replace it wholesale with a single swap.
type Store struct {
	active atomic.Pointer[Generation]
}

// NewStore creates a store with an initial generation
func NewStore(gen *Generation) *Store {
	s := &Store{}
	s.active.Store(gen)
	return s
}

// Active returns the current generation
func (s *Store) Active() *Generation {
	return s.active.Load()
}

// Swap atomically replaces the active generation
func (s *Store) Swap(gen *Generation) {
	s.active.Store(gen)
}
