// Package netsrv is an edge data-forwarding daemon. It polls structured
// records from a local Redis store and relays them to downstream sinks
// (NATS broker subjects, HTTP collectors, cloud-IoT endpoints) according
// to a reloadable routing configuration.
//
// # Architecture
//
// Records flow through a fixed pipeline of independent workers connected
// by bounded channels:
//
//	┌────────┐    ┌──────────┐    ┌────────┐    ┌──────────┐
//	│ Poller │───►│ Liveness │───►│ Router │───►│ Dispatch │
//	│ (scan) │    │  (tee)   │    │(batch) │    │(per-rule │
//	└────────┘    └──────────┘    └────────┘    │ workers) │
//	                                            └────┬─────┘
//	                              ┌──────────────────┼──────────────┐
//	                              ↓                  ↓              ↓
//	                         ┌─────────┐       ┌──────────┐   ┌─────────┐
//	                         │ broker  │       │ httppost │   │  cloud  │
//	                         │ adapter │       │ adapter  │   │ adapter │
//	                         └─────────┘       └──────────┘   └─────────┘
//	                          NATS subject      HTTP POST      envelope
//	                                                           remap+POST
//
// A full queue anywhere suspends the upstream producer instead of
// dropping data; backpressure reaches all the way to the poll loop.
//
// Routing rules live in an immutable configuration generation. Reloads
// build a complete new generation and swap it in with a single atomic
// pointer store; in-flight batches finish under the rules they were
// created with.
//
// # Packages
//
// Pipeline:
//   - poller: source store scanning and record decoding
//   - liveness: device last-seen tracking and online/offline events
//   - router: type-filter fanout and batch assembly
//   - dispatch: per-rule delivery workers, retry policy, failure events
//   - adapter, adapter/broker, adapter/httppost, adapter/cloud: sinks
//
// Model and configuration:
//   - record: the Record type and source key conventions
//   - route: rules, batch policies, generations, the active store
//   - config: YAML loading, reload manager, runtime route changes
//
// Infrastructure:
//   - engine: pipeline wiring and lifecycle
//   - natsclient: broker connection management
//   - errors: classified error handling
//   - pkg/retry: backoff policies
//   - metric: Prometheus metrics
//   - health: component health aggregation
//
// # Binary
//
// Build and run the daemon:
//
//	go build -o bin/netsrv ./cmd/netsrv
//	./bin/netsrv --config configs/netsrv.yaml --redis localhost:6379
//
// The admin port serves /healthz, /metrics, /routes, /devices, /stats,
// and /reload.
package netsrv
