package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/HeKunYang1996/netsrv/errors"
	"github.com/HeKunYang1996/netsrv/metric"
	"github.com/HeKunYang1996/netsrv/route"
)

// Manager owns the active generation store and applies reloads. File
// changes are detected by polling the document's modification time.
// Runtime route changes (AddRoute, RemoveRoute) rebuild the generation
// from the active one without touching the file.
type Manager struct {
	path    string
	store   *route.Store
	logger  *slog.Logger
	metrics *metric.Metrics

	watchInterval time.Duration

	mu          sync.Mutex
	subscribers []chan *route.Generation
	mtime       time.Time

	lifecycleMu sync.Mutex
	started     bool
	done        chan struct{}
}

// Option configures the manager
type Option func(*Manager)

// WithMetrics wires reload metrics into the manager
func WithMetrics(m *metric.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithWatchInterval overrides the file poll cadence (default 5s)
func WithWatchInterval(d time.Duration) Option {
	return func(mgr *Manager) { mgr.watchInterval = d }
}

// NewManager creates a manager over an already-populated store
func NewManager(path string, store *route.Store, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		path:          path,
		store:         store,
		logger:        logger.With("component", "config"),
		watchInterval: 5 * time.Second,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Active returns the current generation
func (m *Manager) Active() *route.Generation {
	return m.store.Active()
}

// OnChange subscribes to generation swaps. The channel is buffered;
// subscribers that fall behind see only the latest swap.
func (m *Manager) OnChange() <-chan *route.Generation {
	ch := make(chan *route.Generation, 1)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// Reload re-reads the document and swaps in the new generation. A
// document that fails to parse or validate leaves the active generation
// untouched.
func (m *Manager) Reload() (*route.Generation, error) {
	gen, err := Load(m.path)
	if err != nil {
		m.logger.Error("reload rejected, keeping active generation",
			"path", m.path, "error", err)
		if m.metrics != nil {
			m.metrics.ReloadFailures.Inc()
		}
		return nil, err
	}
	m.swap(gen)
	m.logger.Info("configuration reloaded", "summary", Summary(gen))
	return gen, nil
}

// AddRoute adds a rule to the active generation at runtime. Duplicate
// names and invalid rules are rejected without a swap.
func (m *Manager) AddRoute(rule *route.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.store.Active()
	rules := append(active.Rules(), rule)
	gen, err := route.NewGeneration(rules, active.Globals)
	if err != nil {
		return err
	}
	m.swapLocked(gen)
	m.logger.Info("route added", "rule", rule.Name, "summary", Summary(gen))
	return nil
}

// RemoveRoute removes a rule by name at runtime
func (m *Manager) RemoveRoute(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.store.Active()
	if _, ok := active.Rule(name); !ok {
		return errors.WrapInvalid(errors.ErrRouteNotFound, "Manager", "RemoveRoute", name)
	}
	var rules []*route.Rule
	for _, r := range active.Rules() {
		if r.Name != name {
			rules = append(rules, r)
		}
	}
	gen, err := route.NewGeneration(rules, active.Globals)
	if err != nil {
		return err
	}
	m.swapLocked(gen)
	m.logger.Info("route removed", "rule", name, "summary", Summary(gen))
	return nil
}

func (m *Manager) swap(gen *route.Generation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swapLocked(gen)
}

// swapLocked installs a generation and notifies subscribers; callers
// hold m.mu
func (m *Manager) swapLocked(gen *route.Generation) {
	m.store.Swap(gen)
	if m.metrics != nil {
		m.metrics.ConfigGeneration.Set(float64(gen.ID))
	}
	for _, ch := range m.subscribers {
		// Keep only the most recent generation in each channel
		select {
		case ch <- gen:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- gen:
			default:
			}
		}
	}
}

// Start begins watching the document for modification-time changes
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Manager", "Start", "check state")
	}
	m.started = true

	if info, err := os.Stat(m.path); err == nil {
		m.mtime = info.ModTime()
	}
	go m.watch(ctx)
	return nil
}

// Stop waits for the watch loop to finish
func (m *Manager) Stop(timeout time.Duration) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if !m.started {
		return nil
	}
	select {
	case <-m.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Manager", "Stop",
			fmt.Sprintf("watch loop did not finish within %s", timeout))
	}
}

func (m *Manager) watch(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(m.path)
			if err != nil {
				m.logger.Warn("config file unreadable", "path", m.path, "error", err)
				continue
			}
			if info.ModTime().Equal(m.mtime) {
				continue
			}
			m.mtime = info.ModTime()
			m.logger.Info("config file changed, reloading", "path", m.path)
			if _, err := m.Reload(); err != nil {
				continue
			}
		}
	}
}
