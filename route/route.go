// Package route defines the routing model of the forwarding engine: named
// forwarding rules, batch policies, assembled batches, and immutable
// configuration generations swapped atomically at reload.
package route

import (
	"fmt"
	"net/url"
	"time"

	"github.com/HeKunYang1996/netsrv/errors"
	"github.com/HeKunYang1996/netsrv/record"
)

// Protocol identifies the delivery adapter family for a rule
type Protocol string

const (
	// ProtocolBroker publishes batches to a broker subject
	ProtocolBroker Protocol = "broker"
	// ProtocolHTTP posts batches to an HTTP endpoint
	ProtocolHTTP Protocol = "http"
	// ProtocolCloud reshapes batches into a cloud-IoT envelope, then posts
	ProtocolCloud Protocol = "cloud"
)

// Valid reports whether p is a known protocol
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolBroker, ProtocolHTTP, ProtocolCloud:
		return true
	default:
		return false
	}
}

// Encoding selects the wire encoding of broker payloads
type Encoding string

const (
	// EncodingJSON is the default payload encoding
	EncodingJSON Encoding = "json"
	// EncodingMsgpack is the compact binary encoding
	EncodingMsgpack Encoding = "msgpack"
)

// BatchPolicy bounds batch assembly for a rule
type BatchPolicy struct {
	// MaxRecords flushes a batch when it reaches this record count
	MaxRecords int `yaml:"max_records" json:"max_records"`
	// MaxBytes flushes before the estimated serialized size would exceed it
	MaxBytes int `yaml:"max_bytes" json:"max_bytes"`
	// FlushInterval flushes a non-empty batch this long after its first record
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
}

// Validate checks batch bounds
func (p BatchPolicy) Validate() error {
	if p.MaxRecords <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidBatchPolicy, "BatchPolicy", "Validate",
			fmt.Sprintf("max_records must be positive, got %d", p.MaxRecords))
	}
	if p.MaxBytes <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidBatchPolicy, "BatchPolicy", "Validate",
			fmt.Sprintf("max_bytes must be positive, got %d", p.MaxBytes))
	}
	if p.FlushInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidBatchPolicy, "BatchPolicy", "Validate",
			fmt.Sprintf("flush_interval must be positive, got %v", p.FlushInterval))
	}
	return nil
}

// Rule is a named forwarding target. Rules are immutable within a
// generation; reloads build new Rule values, never mutate one in place.
type Rule struct {
	Name     string            `yaml:"name" json:"name"`
	Protocol Protocol          `yaml:"protocol" json:"protocol"`
	Address  string            `yaml:"address" json:"address"`
	Types    []record.DataType `yaml:"types" json:"types"`
	Enabled  bool              `yaml:"enabled" json:"enabled"`

	// Broker settings
	QoS      int      `yaml:"qos" json:"qos"`
	Encoding Encoding `yaml:"encoding" json:"encoding"`

	// HTTP/cloud settings
	Headers map[string]string `yaml:"headers" json:"headers"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout"`

	// Cloud envelope field mapping: envelope field -> payload field
	FieldMap map[string]string `yaml:"field_map" json:"field_map"`

	Batch BatchPolicy `yaml:"batch" json:"batch"`
}

// Matches reports whether the rule's type filter accepts dt.
// An empty filter matches every known type but never TypeUnknown.
func (r *Rule) Matches(dt record.DataType) bool {
	if dt == record.TypeUnknown {
		return false
	}
	if len(r.Types) == 0 {
		return true
	}
	for _, t := range r.Types {
		if t == dt {
			return true
		}
	}
	return false
}

// Validate checks a single rule
func (r *Rule) Validate() error {
	if r.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Rule", "Validate", "rule name is required")
	}
	if !r.Protocol.Valid() {
		return errors.WrapInvalid(errors.ErrUnknownProtocol, "Rule", "Validate",
			fmt.Sprintf("rule %q: protocol %q", r.Name, r.Protocol))
	}
	if r.Address == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Rule", "Validate",
			fmt.Sprintf("rule %q: address is required", r.Name))
	}
	if r.Protocol == ProtocolHTTP || r.Protocol == ProtocolCloud {
		if _, err := url.ParseRequestURI(r.Address); err != nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Rule", "Validate",
				fmt.Sprintf("rule %q: invalid endpoint URL %q", r.Name, r.Address))
		}
	}
	if r.QoS < 0 || r.QoS > 2 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Rule", "Validate",
			fmt.Sprintf("rule %q: qos must be 0..2, got %d", r.Name, r.QoS))
	}
	if r.Encoding != "" && r.Encoding != EncodingJSON && r.Encoding != EncodingMsgpack {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Rule", "Validate",
			fmt.Sprintf("rule %q: encoding must be json or msgpack, got %q", r.Name, r.Encoding))
	}
	for _, t := range r.Types {
		if !t.Valid() || t == record.TypeUnknown {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Rule", "Validate",
				fmt.Sprintf("rule %q: invalid type filter entry %q", r.Name, t))
		}
	}
	if err := r.Batch.Validate(); err != nil {
		return errors.Wrap(err, "Rule", "Validate", fmt.Sprintf("rule %q batch policy", r.Name))
	}
	return nil
}

// applyDefaults fills optional fields before validation
func (r *Rule) applyDefaults() {
	if r.Encoding == "" {
		r.Encoding = EncodingJSON
	}
	if r.Timeout == 0 {
		r.Timeout = 10 * time.Second
	}
	if r.Batch.MaxRecords == 0 {
		r.Batch.MaxRecords = 50
	}
	if r.Batch.MaxBytes == 0 {
		r.Batch.MaxBytes = 256 * 1024
	}
	if r.Batch.FlushInterval == 0 {
		r.Batch.FlushInterval = 5 * time.Second
	}
}
