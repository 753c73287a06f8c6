// Package liveness tracks device activity from the record stream. It sits
// between the poller and the router as a pass-through stage: every record
// refreshes its device's last-seen time on the way downstream. A periodic
// sweep marks devices offline once they have been silent past the
// threshold; the next record from a silent device marks it online again.
// Each transition emits exactly one event.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/HeKunYang1996/netsrv/errors"
	"github.com/HeKunYang1996/netsrv/metric"
	"github.com/HeKunYang1996/netsrv/record"
	"github.com/HeKunYang1996/netsrv/route"
)

// State is a device's liveness state
type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
)

// StatusAt derives the state for a device last seen at lastSeen
func StatusAt(now, lastSeen time.Time, threshold time.Duration) State {
	if now.Sub(lastSeen) >= threshold {
		return StateOffline
	}
	return StateOnline
}

// Event is a single device state transition
type Event struct {
	DeviceID string
	State    State
	LastSeen time.Time
	At       time.Time
}

// DeviceStatus is a point-in-time view of one device
type DeviceStatus struct {
	DeviceID string    `json:"device_id"`
	State    State     `json:"state"`
	LastSeen time.Time `json:"last_seen"`
}

type deviceEntry struct {
	lastSeen time.Time
	state    State
}

// Tracker tees the record stream and maintains per-device liveness
type Tracker struct {
	store   *route.Store
	input   <-chan *record.Record
	output  chan<- *record.Record
	logger  *slog.Logger
	metrics *metric.Metrics

	mu      sync.RWMutex
	devices map[string]*deviceEntry

	events chan Event

	lifecycleMu sync.Mutex
	started     bool
	done        chan struct{}
}

// Option configures the tracker
type Option func(*Tracker)

// WithMetrics wires liveness gauges into the tracker
func WithMetrics(m *metric.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// New creates a tracker forwarding records from input to output. The
// tracker owns the output channel and closes it when its loop exits.
func New(store *route.Store, input <-chan *record.Record, output chan<- *record.Record, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:   store,
		input:   input,
		output:  output,
		logger:  logger.With("component", "liveness"),
		devices: make(map[string]*deviceEntry),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Events exposes the transition stream. The channel is buffered and
// never blocks the tracker; consumers that fall behind lose events.
func (t *Tracker) Events() <-chan Event {
	return t.events
}

// Start launches the forwarding and sweep loop
func (t *Tracker) Start(ctx context.Context) error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()
	if t.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Tracker", "Start", "check state")
	}
	t.started = true
	go t.run(ctx)
	return nil
}

// Stop waits for the loop to finish
func (t *Tracker) Stop(timeout time.Duration) error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()
	if !t.started {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Tracker", "Stop", "loop did not finish in time")
	}
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)
	defer close(t.events)
	defer close(t.output)

	interval := t.store.Active().Globals.SweepInterval
	sweep := time.NewTicker(interval)
	defer sweep.Stop()

	// A generation swap may change the sweep cadence; follow it
	retune := func() {
		if iv := t.store.Active().Globals.SweepInterval; iv != interval {
			interval = iv
			sweep.Reset(iv)
		}
	}

	for {
		select {
		case rec, ok := <-t.input:
			if !ok {
				return
			}
			t.observe(rec.DeviceID, rec.Timestamp)
			select {
			case t.output <- rec:
			case <-ctx.Done():
				return
			}
			retune()
		case <-sweep.C:
			t.sweep(time.Now())
			retune()
		case <-ctx.Done():
			return
		}
	}
}

// observe refreshes a device's last-seen time, transitioning it online
// when it was offline or unseen
func (t *Tracker) observe(deviceID string, seenAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.devices[deviceID]
	if entry == nil {
		entry = &deviceEntry{state: StateOffline}
		t.devices[deviceID] = entry
	}
	entry.lastSeen = seenAt

	if entry.state != StateOnline {
		entry.state = StateOnline
		t.transition(deviceID, entry)
	}
}

// sweep moves silent devices offline
func (t *Tracker) sweep(now time.Time) {
	threshold := t.store.Active().Globals.OfflineThreshold

	t.mu.Lock()
	defer t.mu.Unlock()
	for deviceID, entry := range t.devices {
		if entry.state == StateOnline && StatusAt(now, entry.lastSeen, threshold) == StateOffline {
			entry.state = StateOffline
			t.transition(deviceID, entry)
		}
	}
}

// transition publishes one event per state change; callers hold t.mu
func (t *Tracker) transition(deviceID string, entry *deviceEntry) {
	t.logger.Info("device state changed", "device", deviceID, "state", entry.state)
	if t.metrics != nil {
		t.updateGauges()
	}
	ev := Event{
		DeviceID: deviceID,
		State:    entry.state,
		LastSeen: entry.lastSeen,
		At:       time.Now(),
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("liveness event dropped, consumer lagging", "device", deviceID)
	}
}

func (t *Tracker) updateGauges() {
	var online, offline float64
	for _, entry := range t.devices {
		if entry.state == StateOnline {
			online++
		} else {
			offline++
		}
	}
	t.metrics.DevicesOnline.Set(online)
	t.metrics.DevicesOffline.Set(offline)
}

// Snapshot returns the current state of every known device
func (t *Tracker) Snapshot() []DeviceStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]DeviceStatus, 0, len(t.devices))
	for deviceID, entry := range t.devices {
		out = append(out, DeviceStatus{
			DeviceID: deviceID,
			State:    entry.state,
			LastSeen: entry.lastSeen,
		})
	}
	return out
}

// Status returns the state of one device
func (t *Tracker) Status(deviceID string) (DeviceStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.devices[deviceID]
	if !ok {
		return DeviceStatus{}, false
	}
	return DeviceStatus{DeviceID: deviceID, State: entry.state, LastSeen: entry.lastSeen}, true
}
