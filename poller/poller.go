// Package poller scans the source store on a fixed interval and decodes
// matching keys into records. String values are decoded as JSON with a
// raw-string fallback, hashes fan their fields out as one converted map,
// lists and sets become ordered value collections. Decode failures skip
// the offending key and never abort the cycle.
package poller

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/HeKunYang1996/netsrv/errors"
	"github.com/HeKunYang1996/netsrv/metric"
	"github.com/HeKunYang1996/netsrv/record"
	"github.com/HeKunYang1996/netsrv/route"
)

// Poller reads the source store and emits records downstream
type Poller struct {
	client  redis.UniversalClient
	store   *route.Store
	output  chan<- *record.Record
	logger  *slog.Logger
	metrics *metric.Metrics

	lifecycleMu sync.Mutex
	started     bool
	done        chan struct{}
}

// Option configures the poller
type Option func(*Poller)

// WithMetrics wires pipeline metrics into the poller
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// New creates a poller emitting records to output. The poller owns the
// output channel and closes it when the poll loop exits.
func New(client redis.UniversalClient, store *route.Store, output chan<- *record.Record, logger *slog.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		client: client,
		store:  store,
		output: output,
		logger: logger.With("component", "poller"),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the poll loop
func (p *Poller) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Poller", "Start", "check state")
	}
	p.started = true
	go p.run(ctx)
	return nil
}

// Stop waits for the poll loop to finish
func (p *Poller) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if !p.started {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Poller", "Stop", "loop did not finish in time")
	}
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	defer close(p.output)

	for {
		interval := p.store.Active().Globals.PollInterval
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			if !p.poll(ctx) {
				return
			}
		}
	}
}

// poll runs one scan cycle. Returns false when the context ended while
// emitting, which terminates the loop.
func (p *Poller) poll(ctx context.Context) bool {
	globals := p.store.Active().Globals
	start := time.Now()
	emitted := 0

	for _, pattern := range globals.Source.Patterns {
		var cursor uint64
		for {
			keys, next, err := p.client.Scan(ctx, cursor, pattern, globals.Source.ScanCount).Result()
			if err != nil {
				p.logger.Warn("source scan failed", "pattern", pattern, "error", err)
				break
			}
			for _, key := range keys {
				if excluded(key, globals.Source.ExcludePatterns) {
					continue
				}
				rec, err := p.fetch(ctx, key, globals.Source.DefaultType)
				if err != nil {
					if !errors.Is(err, errSkippedType) {
						p.logger.Warn("skipping undecodable key", "key", key, "error", err)
						if p.metrics != nil {
							p.metrics.DecodeFailures.Inc()
						}
					}
					continue
				}
				if rec == nil {
					continue // empty value
				}
				if !p.emit(ctx, rec) {
					return false
				}
				emitted++
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}

	if p.metrics != nil {
		p.metrics.PollDuration.Observe(time.Since(start).Seconds())
	}
	p.logger.Debug("poll cycle complete", "records", emitted, "elapsed", time.Since(start))
	return true
}

// errSkippedType marks key types the poller does not fetch
var errSkippedType = errors.New("unsupported key type")

// fetch reads one key and decodes it into a record
func (p *Poller) fetch(ctx context.Context, key string, defaultType record.DataType) (*record.Record, error) {
	keyType, err := p.client.Type(ctx, key).Result()
	if err != nil {
		return nil, errors.WrapTransient(err, "Poller", "fetch", key)
	}

	var payload map[string]any
	switch keyType {
	case "string":
		value, err := p.client.Get(ctx, key).Result()
		if err != nil {
			return nil, errors.WrapTransient(err, "Poller", "fetch", key)
		}
		if value == "" {
			return nil, nil
		}
		payload = decodeString(value)
	case "hash":
		fields, err := p.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, errors.WrapTransient(err, "Poller", "fetch", key)
		}
		if len(fields) == 0 {
			return nil, nil
		}
		payload = record.ConvertValues(fields)
	case "list":
		values, err := p.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, errors.WrapTransient(err, "Poller", "fetch", key)
		}
		if len(values) == 0 {
			return nil, nil
		}
		payload = map[string]any{"values": convertSlice(values)}
	case "set":
		members, err := p.client.SMembers(ctx, key).Result()
		if err != nil {
			return nil, errors.WrapTransient(err, "Poller", "fetch", key)
		}
		if len(members) == 0 {
			return nil, nil
		}
		payload = map[string]any{"members": convertSlice(members)}
	default:
		p.logger.Debug("skipping unsupported key type", "key", key, "type", keyType)
		return nil, errSkippedType
	}

	rec := record.New(key, payload, time.Now())
	if rec.Type == record.TypeUnknown && defaultType != "" {
		rec.Type = defaultType
	}
	if p.metrics != nil {
		p.metrics.RecordsPolled.WithLabelValues(string(rec.Type)).Inc()
	}
	return rec, nil
}

// emit sends a record downstream, blocking when the channel is full.
// The full channel is the backpressure path: the poller suspends rather
// than drop data.
func (p *Poller) emit(ctx context.Context, rec *record.Record) bool {
	select {
	case p.output <- rec:
		return true
	case <-ctx.Done():
		return false
	}
}

// decodeString decodes a string value as a JSON object, wrapping
// non-object JSON and raw strings under a "value" field
func decodeString(value string) map[string]any {
	var asObject map[string]any
	if err := json.Unmarshal([]byte(value), &asObject); err == nil {
		return asObject
	}
	var asAny any
	if err := json.Unmarshal([]byte(value), &asAny); err == nil {
		return map[string]any{"value": asAny}
	}
	return map[string]any{"value": value}
}

// convertSlice applies numeric conversion to each element, preserving order
func convertSlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[i] = n
		} else if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[i] = f
		} else {
			out[i] = v
		}
	}
	return out
}

// excluded reports whether key matches any exclude pattern
func excluded(key string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, key); err == nil && ok {
			return true
		}
	}
	return false
}
