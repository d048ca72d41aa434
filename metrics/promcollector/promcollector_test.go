package promcollector

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value returns the counter or gauge value of the series name{labels}.
func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if labels[l.GetName()] != l.GetValue() {
					continue next
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("series %s%v not found", name, labels)
	return 0
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New("canvas", reg)

	c.RecordWrites(3, 1)
	c.RecordWrites(1, 0)
	c.RecordDecision("discarded_echo")
	c.RecordDecision("discarded_echo")
	c.RecordErrors("flush", "")
	c.RecordReconcile(2, 1, 0)
	c.RecordConnectionState("disconnected")
	c.RecordConnectionState("connected")
	c.RecordDuration("flush", 20*time.Millisecond)
	c.RecordPresencePublish(true)
	c.RecordPresencePublish(false)

	assert.Equal(t, 4.0, value(t, reg, "canvas_written_upserts_total", nil))
	assert.Equal(t, 2.0, value(t, reg, "canvas_write_batches_total", nil))
	assert.Equal(t, 2.0, value(t, reg, "canvas_feed_decisions_total", map[string]string{"decision": "discarded_echo"}))
	assert.Equal(t, 1.0, value(t, reg, "canvas_errors_total", map[string]string{"operation": "flush", "kind": "unknown"}))
	assert.Equal(t, 2.0, value(t, reg, "canvas_reconciled_entities_total", map[string]string{"action": "added"}))
	assert.Equal(t, 1.0, value(t, reg, "canvas_connection_status", map[string]string{"status": "connected"}))
	assert.Equal(t, 0.0, value(t, reg, "canvas_connection_status", map[string]string{"status": "disconnected"}))
	assert.Equal(t, 1.0, value(t, reg, "canvas_presence_updates_total", map[string]string{"result": "coalesced"}))
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New("canvas", reg)
	assert.Panics(t, func() { New("canvas", reg) })
	assert.NotPanics(t, func() { New("other", reg) })
}
