package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveResolution(true, time.Second)
		m.SetUnresolved(3)
		m.Transition("INSTALLED", "RESOLVED")
		m.ServiceRegistered()
		m.ServiceUnregistered()
		m.ServiceEvent("REGISTERED")
		m.Delivered("bundle")
		m.ListenerFailed("service")
	})
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveResolution(true, 10*time.Millisecond)
	m.ObserveResolution(false, 10*time.Millisecond)
	m.ObserveResolution(true, 10*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.resolutionsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolutionsTotal.WithLabelValues("failure")))

	m.Transition("", "INSTALLED")
	m.Transition("INSTALLED", "RESOLVED")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.bundles.WithLabelValues("INSTALLED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bundles.WithLabelValues("RESOLVED")))

	m.ServiceRegistered()
	m.ServiceRegistered()
	m.ServiceUnregistered()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.servicesRegistered))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["modrt_resolutions_total"])
	assert.True(t, names["modrt_resolution_duration_seconds"])
}
