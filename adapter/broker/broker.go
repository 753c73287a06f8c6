// Package broker provides the NATS delivery adapter. Batches are encoded
// into the report envelope and published to the rule's subject; qos 0 uses
// a plain publish, qos >= 1 publishes through JetStream and waits for the
// server acknowledgment.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/HeKunYang1996/netsrv/adapter"
	"github.com/HeKunYang1996/netsrv/errors"
	"github.com/HeKunYang1996/netsrv/route"
)

// Publisher is the broker connection capability the adapter needs.
// *natsclient.Client satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
	PublishAck(ctx context.Context, subject string, data []byte) error
	MaxPayload() int64
}

// Adapter publishes batches to broker subjects
type Adapter struct {
	pub    Publisher
	logger *slog.Logger
}

// New creates a broker adapter over an established connection
func New(pub Publisher, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{pub: pub, logger: logger.With("component", "broker-adapter")}
}

// Protocol implements adapter.Deliverer
func (a *Adapter) Protocol() route.Protocol {
	return route.ProtocolBroker
}

// Deliver encodes the batch and publishes it to the rule's subject.
// The broker protocol offers no fragmentation: a payload above the broker's
// advertised limit is rejected as a permanent failure.
func (a *Adapter) Deliver(ctx context.Context, batch *route.Batch) error {
	data, err := encode(batch)
	if err != nil {
		return errors.WrapInvalid(err, "Adapter", "Deliver", "encode batch "+batch.ID)
	}

	if limit := a.pub.MaxPayload(); limit > 0 && int64(len(data)) > limit {
		return errors.WrapInvalid(errors.ErrOversizedPayload, "Adapter", "Deliver",
			fmt.Sprintf("batch %s: %d bytes exceeds broker limit %d", batch.ID, len(data), limit))
	}

	rule := batch.Rule
	ctx, cancel := context.WithTimeout(ctx, rule.Timeout)
	defer cancel()

	if rule.QoS == 0 {
		err = a.pub.Publish(rule.Address, data)
	} else {
		err = a.pub.PublishAck(ctx, rule.Address, data)
	}
	if err != nil {
		return err // already classified by the publisher
	}

	a.logger.Debug("batch published",
		"subject", rule.Address, "rule", rule.Name,
		"records", batch.Len(), "bytes", len(data), "qos", rule.QoS)
	return nil
}

func encode(batch *route.Batch) ([]byte, error) {
	env := adapter.BuildEnvelope(batch)
	switch batch.Rule.Encoding {
	case route.EncodingMsgpack:
		return msgpack.Marshal(env)
	default:
		return json.Marshal(env)
	}
}
