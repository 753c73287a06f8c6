package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/HeKunYang1996/netsrv/adapter"
	"github.com/HeKunYang1996/netsrv/errors"
	"github.com/HeKunYang1996/netsrv/record"
	"github.com/HeKunYang1996/netsrv/route"
)

type fakePublisher struct {
	published    [][]byte
	acked        [][]byte
	subjects     []string
	maxPayload   int64
	publishErr   error
	publishAcked error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.subjects = append(f.subjects, subject)
	f.published = append(f.published, data)
	return nil
}

func (f *fakePublisher) PublishAck(_ context.Context, subject string, data []byte) error {
	if f.publishAcked != nil {
		return f.publishAcked
	}
	f.subjects = append(f.subjects, subject)
	f.acked = append(f.acked, data)
	return nil
}

func (f *fakePublisher) MaxPayload() int64 { return f.maxPayload }

func brokerBatch(t *testing.T, qos int, enc route.Encoding) *route.Batch {
	t.Helper()
	gen, err := route.NewGeneration([]*route.Rule{{
		Name:     "mqtt_forward",
		Protocol: route.ProtocolBroker,
		Address:  "property.gateway.report",
		Enabled:  true,
		QoS:      qos,
		Encoding: enc,
	}}, route.Globals{})
	require.NoError(t, err)
	rule, _ := gen.Rule("mqtt_forward")

	b := route.NewBatch(rule, gen.ID)
	b.Append(record.New("comsrv:1:T", map[string]any{"temp": 22.5}, time.Now()))
	return b
}

func TestDeliver_QoS0UsesPlainPublish(t *testing.T) {
	pub := &fakePublisher{}
	a := New(pub, nil)

	err := a.Deliver(context.Background(), brokerBatch(t, 0, route.EncodingJSON))
	require.NoError(t, err)
	require.Len(t, pub.published, 1)
	assert.Empty(t, pub.acked)
	assert.Equal(t, []string{"property.gateway.report"}, pub.subjects)

	var env adapter.Envelope
	require.NoError(t, json.Unmarshal(pub.published[0], &env))
	require.Len(t, env.Property, 1)
	assert.Equal(t, "comsrv_1", env.Property[0].Point)
}

func TestDeliver_QoS1UsesAckedPublish(t *testing.T) {
	pub := &fakePublisher{}
	a := New(pub, nil)

	err := a.Deliver(context.Background(), brokerBatch(t, 1, route.EncodingJSON))
	require.NoError(t, err)
	require.Len(t, pub.acked, 1)
	assert.Empty(t, pub.published)
}

func TestDeliver_MsgpackEncoding(t *testing.T) {
	pub := &fakePublisher{}
	a := New(pub, nil)

	err := a.Deliver(context.Background(), brokerBatch(t, 0, route.EncodingMsgpack))
	require.NoError(t, err)
	require.Len(t, pub.published, 1)

	var env adapter.Envelope
	require.NoError(t, msgpack.Unmarshal(pub.published[0], &env))
	require.Len(t, env.Property, 1)
	assert.Equal(t, "telemetry", env.Property[0].DataType)
}

func TestDeliver_OversizeIsPermanent(t *testing.T) {
	pub := &fakePublisher{maxPayload: 8}
	a := New(pub, nil)

	err := a.Deliver(context.Background(), brokerBatch(t, 0, route.EncodingJSON))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrOversizedPayload)
	assert.Empty(t, pub.published)
}

func TestDeliver_PublishFailurePropagates(t *testing.T) {
	pub := &fakePublisher{publishErr: errors.WrapTransient(errors.ErrNoConnection, "Client", "Publish", "x")}
	a := New(pub, nil)

	err := a.Deliver(context.Background(), brokerBatch(t, 0, route.EncodingJSON))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}
