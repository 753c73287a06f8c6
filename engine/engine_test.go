package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HeKunYang1996/netsrv/adapter"
	"github.com/HeKunYang1996/netsrv/route"
)

type publishedMsg struct {
	Subject string
	Data    []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMsg
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, publishedMsg{Subject: subject, Data: data})
	return nil
}

func (f *fakePublisher) PublishAck(_ context.Context, subject string, data []byte) error {
	return f.Publish(subject, data)
}

func (f *fakePublisher) MaxPayload() int64 { return 1 << 20 }

func (f *fakePublisher) on(subject string) []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedMsg
	for _, m := range f.messages {
		if m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}

func waitPublished(t *testing.T, pub *fakePublisher, subject string, n int) []publishedMsg {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := pub.on(subject); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d messages on %s, got %d", n, subject, len(pub.on(subject)))
	return nil
}

func writeEngineConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "netsrv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func startEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(3 * time.Second) })
	return e
}

func TestEngine_ForwardsTelemetryToBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Set("sensor:1", `{"temp": 22.5}`)

	pub := &fakePublisher{}
	cfg := writeEngineConfig(t, `
source:
  default_type: telemetry
poll_interval: 20ms
routes:
  - name: mqtt_forward
    protocol: broker
    address: edge.telemetry
    types: [telemetry]
    batch:
      max_records: 1
      max_bytes: 65536
      flush_interval: 50ms
`)
	startEngine(t, Options{ConfigPath: cfg, Redis: client, Broker: pub})

	msgs := waitPublished(t, pub, "edge.telemetry", 1)

	var env adapter.Envelope
	require.NoError(t, json.Unmarshal(msgs[0].Data, &env))
	require.Len(t, env.Property, 1)
	assert.Equal(t, "sensor_1", env.Property[0].Point)
	assert.Equal(t, "telemetry", env.Property[0].DataType)
	assert.NotZero(t, env.Timestamp)
}

func TestEngine_GatewayStatusAnnouncements(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pub := &fakePublisher{}
	cfg := writeEngineConfig(t, `
poll_interval: 1h
routes:
  - name: r1
    protocol: broker
    address: edge.any
`)
	e, err := New(Options{ConfigPath: cfg, Redis: client, Broker: pub})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	online := waitPublished(t, pub, "netsrv.status", 1)
	var announce map[string]any
	require.NoError(t, json.Unmarshal(online[0].Data, &announce))
	assert.Equal(t, "online", announce["status"])

	require.NoError(t, e.Stop(3*time.Second))
	all := pub.on("netsrv.status")
	require.Len(t, all, 2)
	require.NoError(t, json.Unmarshal(all[1].Data, &announce))
	assert.Equal(t, "offline", announce["status"])
}

func TestEngine_DeviceTransitionsPublished(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Set("comsrv:1:T", `{"v": 1}`)

	pub := &fakePublisher{}
	cfg := writeEngineConfig(t, `
poll_interval: 20ms
routes:
  - name: r1
    protocol: broker
    address: edge.telemetry
    batch:
      max_records: 1
      max_bytes: 65536
      flush_interval: 50ms
`)
	startEngine(t, Options{ConfigPath: cfg, Redis: client, Broker: pub})

	msgs := waitPublished(t, pub, "netsrv.device.status", 1)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &ev))
	assert.Equal(t, "comsrv:1", ev["device_id"])
	assert.Equal(t, "online", ev["status"])
}

func TestEngine_PermanentHTTPFailureNotRetried(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Set("comsrv:1:T", `{"v": 1}`)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	cfg := writeEngineConfig(t, fmt.Sprintf(`
poll_interval: 20ms
max_retries: 3
routes:
  - name: http_forward
    protocol: http
    address: %s
    batch:
      max_records: 1
      max_bytes: 65536
      flush_interval: 50ms
`, srv.URL))
	e := startEngine(t, Options{ConfigPath: cfg, Redis: client})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := e.DeliveryStats()["http_forward"]; ok && st.Failed >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	st := e.DeliveryStats()["http_forward"]
	require.GreaterOrEqual(t, st.Failed, uint64(1))
	// 404 is permanent: exactly one attempt per batch, no retries
	assert.Equal(t, st.Attempted, st.Failed)
	assert.GreaterOrEqual(t, calls.Load(), int32(1))

	// The failing rule degrades health but never blocks the daemon
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && e.Health().IsHealthy() {
		time.Sleep(5 * time.Millisecond)
	}
	assert.False(t, e.Health().IsHealthy())
}

func TestEngine_HealthRecoversWhenDeliveriesResume(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Set("comsrv:1:T", `{"v": 1}`)

	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	cfg := writeEngineConfig(t, fmt.Sprintf(`
poll_interval: 20ms
routes:
  - name: http_forward
    protocol: http
    address: %s
    batch:
      max_records: 1
      max_bytes: 65536
      flush_interval: 50ms
`, srv.URL))
	e := startEngine(t, Options{ConfigPath: cfg, Redis: client})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := e.DeliveryStats()["http_forward"]; ok && st.ConsecutiveFailures > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.False(t, e.Health().IsHealthy(), "failing deliveries must degrade health")

	// The target comes back; the next delivered batch restores health
	failing.Store(false)
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st := e.DeliveryStats()["http_forward"]; st.Succeeded >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	st := e.DeliveryStats()["http_forward"]
	require.GreaterOrEqual(t, st.Succeeded, uint64(1))
	assert.True(t, e.Health().IsHealthy(), "recovered deliveries must clear the degraded state")
}

func TestEngine_RuntimeRouteManagement(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pub := &fakePublisher{}
	cfg := writeEngineConfig(t, `
poll_interval: 1h
routes:
  - name: r1
    protocol: broker
    address: edge.any
`)
	e := startEngine(t, Options{ConfigPath: cfg, Redis: client, Broker: pub})

	require.NoError(t, e.AddRoute(&route.Rule{
		Name:     "extra",
		Protocol: route.ProtocolBroker,
		Address:  "edge.extra",
		Enabled:  true,
	}))
	assert.Len(t, e.ListRoutes(), 2)

	require.NoError(t, e.RemoveRoute("extra"))
	assert.Len(t, e.ListRoutes(), 1)

	assert.Empty(t, e.DeviceStates())
}
