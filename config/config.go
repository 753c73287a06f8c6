// Package config loads the forwarding configuration from a YAML document
// and manages runtime reloads. A document is parsed and validated as a
// whole; the result is an immutable route.Generation swapped into the
// active store. A document that fails validation never becomes active.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HeKunYang1996/netsrv/errors"
	"github.com/HeKunYang1996/netsrv/record"
	"github.com/HeKunYang1996/netsrv/route"
)

// Duration accepts both "250ms" strings and bare integers (seconds)
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(time.Duration(asInt) * time.Second)
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}
	*d = Duration(parsed)
	return nil
}

// SourceDoc is the source scan section of the document
type SourceDoc struct {
	Patterns        []string `yaml:"patterns"`
	ExcludePatterns []string `yaml:"exclude_patterns"`
	DefaultType     string   `yaml:"default_type"`
	ScanCount       int64    `yaml:"scan_count"`
}

// BatchDoc is a rule's batch policy section
type BatchDoc struct {
	MaxRecords    int      `yaml:"max_records"`
	MaxBytes      int      `yaml:"max_bytes"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// RouteDoc is one forwarding rule in the document. Enabled defaults to
// true when omitted.
type RouteDoc struct {
	Name     string            `yaml:"name"`
	Protocol string            `yaml:"protocol"`
	Address  string            `yaml:"address"`
	Types    []string          `yaml:"types"`
	Enabled  *bool             `yaml:"enabled"`
	QoS      int               `yaml:"qos"`
	Encoding string            `yaml:"encoding"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  Duration          `yaml:"timeout"`
	FieldMap map[string]string `yaml:"field_map"`
	Batch    BatchDoc          `yaml:"batch"`
}

// Document is the full configuration file
type Document struct {
	Source            SourceDoc  `yaml:"source"`
	PollInterval      Duration   `yaml:"poll_interval"`
	MaxRetries        int        `yaml:"max_retries"`
	RetryInitialDelay Duration   `yaml:"retry_initial_delay"`
	RetryMaxDelay     Duration   `yaml:"retry_max_delay"`
	QueueDepth        int        `yaml:"queue_depth"`
	OfflineThreshold  Duration   `yaml:"offline_threshold"`
	SweepInterval     Duration   `yaml:"sweep_interval"`
	Routes            []RouteDoc `yaml:"routes"`
}

// Globals converts the document's global sections
func (d *Document) Globals() route.Globals {
	return route.Globals{
		Source: route.SourceConfig{
			Patterns:        d.Source.Patterns,
			ExcludePatterns: d.Source.ExcludePatterns,
			DefaultType:     record.DataType(d.Source.DefaultType),
			ScanCount:       d.Source.ScanCount,
		},
		PollInterval:      time.Duration(d.PollInterval),
		MaxRetries:        d.MaxRetries,
		RetryInitialDelay: time.Duration(d.RetryInitialDelay),
		RetryMaxDelay:     time.Duration(d.RetryMaxDelay),
		QueueDepth:        d.QueueDepth,
		OfflineThreshold:  time.Duration(d.OfflineThreshold),
		SweepInterval:     time.Duration(d.SweepInterval),
	}
}

// Rules converts the document's route sections
func (d *Document) Rules() []*route.Rule {
	rules := make([]*route.Rule, 0, len(d.Routes))
	for _, rd := range d.Routes {
		enabled := true
		if rd.Enabled != nil {
			enabled = *rd.Enabled
		}
		types := make([]record.DataType, 0, len(rd.Types))
		for _, t := range rd.Types {
			types = append(types, record.ParseDataType(t))
		}
		rules = append(rules, &route.Rule{
			Name:     rd.Name,
			Protocol: route.Protocol(rd.Protocol),
			Address:  rd.Address,
			Types:    types,
			Enabled:  enabled,
			QoS:      rd.QoS,
			Encoding: route.Encoding(rd.Encoding),
			Headers:  rd.Headers,
			Timeout:  time.Duration(rd.Timeout),
			FieldMap: rd.FieldMap,
			Batch: route.BatchPolicy{
				MaxRecords:    rd.Batch.MaxRecords,
				MaxBytes:      rd.Batch.MaxBytes,
				FlushInterval: time.Duration(rd.Batch.FlushInterval),
			},
		})
	}
	return rules
}

// Parse builds a generation from raw YAML
func Parse(data []byte) (*route.Generation, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Parse", "malformed YAML document")
	}
	return route.NewGeneration(doc.Rules(), doc.Globals())
}

// Load reads and parses the configuration file at path
func Load(path string) (*route.Generation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapFatal(errors.ErrMissingConfig, "Config", "Load", path)
		}
		return nil, errors.WrapFatal(err, "Config", "Load", path)
	}
	return Parse(data)
}

// Summary renders a one-line description of a generation for startup and
// reload logs
func Summary(gen *route.Generation) string {
	enabled := 0
	for _, r := range gen.Rules() {
		if r.Enabled {
			enabled++
		}
	}
	return fmt.Sprintf("generation=%d routes=%d enabled=%d poll_interval=%s patterns=%v",
		gen.ID, len(gen.Rules()), enabled, gen.Globals.PollInterval, gen.Globals.Source.Patterns)
}
