// Package adapter defines the delivery capability implemented by each
// protocol-specific sender, plus the shared report envelope that batches
// are serialized into.
//
// Adapters classify their failures through the errors package: transient
// errors (timeouts, connection loss, 5xx) are retried by the dispatch
// scheduler; invalid errors (4xx, unfragmentable oversize payloads) are
// permanent and reported without retry. A Deliver call is idempotent-safe
// at the batch level: retried delivery of the same batch never merges or
// reorders its records, and downstream sinks may observe duplicates.
package adapter

import (
	"context"
	"fmt"

	"github.com/HeKunYang1996/netsrv/route"
)

// Deliverer sends one batch to its downstream sink
type Deliverer interface {
	// Deliver sends the batch. The context carries the attempt deadline.
	Deliver(ctx context.Context, batch *route.Batch) error
	// Protocol reports which rule protocol this adapter serves
	Protocol() route.Protocol
}

// Registry resolves the adapter for a rule's protocol
type Registry struct {
	byProtocol map[route.Protocol]Deliverer
}

// NewRegistry builds a registry from the given adapters
func NewRegistry(adapters ...Deliverer) *Registry {
	byProtocol := make(map[route.Protocol]Deliverer, len(adapters))
	for _, a := range adapters {
		byProtocol[a.Protocol()] = a
	}
	return &Registry{byProtocol: byProtocol}
}

// For returns the adapter serving the given protocol
func (r *Registry) For(protocol route.Protocol) (Deliverer, error) {
	a, ok := r.byProtocol[protocol]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for protocol %q", protocol)
	}
	return a, nil
}
