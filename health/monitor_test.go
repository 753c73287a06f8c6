package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_UpdateAndGet(t *testing.T) {
	m := NewMonitor()

	m.UpdateHealthy("poller", "scanning")
	m.UpdateUnhealthy("broker", "connection lost")

	status, ok := m.Get("poller")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())
	assert.Equal(t, "poller", status.Component)
	assert.False(t, status.Timestamp.IsZero())

	status, ok = m.Get("broker")
	require.True(t, ok)
	assert.True(t, status.IsUnhealthy())

	_, ok = m.Get("ghost")
	assert.False(t, ok)
}

func TestMonitor_AggregateHealth(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("poller", "scanning")
	m.UpdateHealthy("router", "routing")

	agg := m.AggregateHealth("netsrv")
	assert.True(t, agg.IsHealthy())
	assert.Len(t, agg.SubStatuses, 2)

	m.UpdateDegraded("dispatch", "queue near capacity")
	agg = m.AggregateHealth("netsrv")
	assert.True(t, agg.IsDegraded())

	m.UpdateUnhealthy("broker", "connection lost")
	agg = m.AggregateHealth("netsrv")
	assert.True(t, agg.IsUnhealthy())
	assert.Contains(t, agg.Message, "broker")
}

func TestMonitor_Remove(t *testing.T) {
	m := NewMonitor()
	m.UpdateUnhealthy("broker", "down")
	m.Remove("broker")

	agg := m.AggregateHealth("netsrv")
	assert.True(t, agg.IsHealthy())
}

func TestMonitor_GetAllReturnsCopy(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("poller", "scanning")

	all := m.GetAll()
	all["poller"] = NewUnhealthy("poller", "mutated")

	status, _ := m.Get("poller")
	assert.True(t, status.IsHealthy())
}
