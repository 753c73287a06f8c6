// Package cloud provides the cloud-IoT delivery adapter. It reshapes the
// report envelope into the target platform's expected field names via the
// rule's field mapping, then delegates transport to the HTTP adapter.
package cloud

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/HeKunYang1996/netsrv/adapter"
	"github.com/HeKunYang1996/netsrv/adapter/httppost"
	"github.com/HeKunYang1996/netsrv/errors"
	"github.com/HeKunYang1996/netsrv/route"
)

// Adapter reshapes batches for a cloud-IoT ingestion API
type Adapter struct {
	transport *httppost.Adapter
	logger    *slog.Logger
}

// New creates a cloud adapter delegating transport to the given HTTP adapter
func New(transport *httppost.Adapter, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{transport: transport, logger: logger.With("component", "cloud-adapter")}
}

// Protocol implements adapter.Deliverer
func (a *Adapter) Protocol() route.Protocol {
	return route.ProtocolCloud
}

// Deliver remaps the envelope per the rule's field mapping and posts it
func (a *Adapter) Deliver(ctx context.Context, batch *route.Batch) error {
	env := adapter.BuildEnvelope(batch)
	body, err := json.Marshal(env.Remap(batch.Rule.FieldMap))
	if err != nil {
		return errors.WrapInvalid(err, "Adapter", "Deliver", "encode batch "+batch.ID)
	}
	return a.transport.Post(ctx, batch.Rule, body)
}
