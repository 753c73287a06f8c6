// Package httppost provides the HTTP delivery adapter. Batches are posted
// as JSON report envelopes; non-2xx responses are classified so the
// dispatch scheduler retries server-side failures and reports client-side
// rejections as permanent.
package httppost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/HeKunYang1996/netsrv/adapter"
	"github.com/HeKunYang1996/netsrv/errors"
	"github.com/HeKunYang1996/netsrv/route"
)

// Adapter posts batches to HTTP endpoints. The http.Client is shared
// across rules; per-attempt deadlines come from the request context.
type Adapter struct {
	client *http.Client
	logger *slog.Logger
}

// New creates an HTTP adapter. A nil client gets a default one;
// per-attempt timeouts are enforced through the request context, not the
// client, so one client serves rules with different timeouts.
func New(client *http.Client, logger *slog.Logger) *Adapter {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{client: client, logger: logger.With("component", "http-adapter")}
}

// Protocol implements adapter.Deliverer
func (a *Adapter) Protocol() route.Protocol {
	return route.ProtocolHTTP
}

// Deliver posts the batch's report envelope to the rule's endpoint
func (a *Adapter) Deliver(ctx context.Context, batch *route.Batch) error {
	body, err := json.Marshal(adapter.BuildEnvelope(batch))
	if err != nil {
		return errors.WrapInvalid(err, "Adapter", "Deliver", "encode batch "+batch.ID)
	}
	return a.Post(ctx, batch.Rule, body)
}

// Post sends one request with the rule's headers and timeout, classifying
// the outcome. Exported so the cloud adapter can reuse the transport with
// its own body shape.
func (a *Adapter) Post(ctx context.Context, rule *route.Rule, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, rule.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rule.Address, bytes.NewReader(body))
	if err != nil {
		return errors.WrapInvalid(err, "Adapter", "Post", "build request for "+rule.Name)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range rule.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		// Network errors and exceeded deadlines are retryable
		return errors.WrapTransient(err, "Adapter", "Post", "post to "+rule.Name)
	}
	defer resp.Body.Close()

	// Drain the body to reuse the connection
	_, _ = io.Copy(io.Discard, resp.Body)

	return classifyStatus(resp.StatusCode, rule.Name)
}

// classifyStatus maps an HTTP status to a delivery outcome:
// 2xx success, 429/5xx transient, other 4xx permanent.
func classifyStatus(status int, ruleName string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.WrapTransient(fmt.Errorf("HTTP %d", status), "Adapter", "Post", ruleName)
	default:
		return errors.WrapInvalid(fmt.Errorf("HTTP %d", status), "Adapter", "Post", ruleName)
	}
}
