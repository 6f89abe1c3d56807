package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.FramesReceived.WithLabelValues("dcp").Inc()
	m.DiscoveryRounds.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["pnvantage_frames_received_total"])
	assert.True(t, names["pnvantage_dcp_rounds_total"])
}

func TestNew_NilRegistererIsPrivate(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.DiscoveryResponses.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.DiscoveryResponses))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.DiscoveryResponses))
}

func TestSetConnectionState(t *testing.T) {
	m := New(nil)
	all := []string{"OFFLINE", "RUNNING"}
	m.SetConnectionState("water-rtu-01", "RUNNING", all)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("water-rtu-01", "RUNNING")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("water-rtu-01", "OFFLINE")))

	m.ForgetStation("water-rtu-01")
	assert.Equal(t, 0, testutil.CollectAndCount(m.ConnectionState))
}
