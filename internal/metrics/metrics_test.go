package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNew_RegistersWithoutPanicking(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "test_exporter")
	require.NotNil(t, m)

	m.QueueSize.Set(5)
	m.ItemsDiscovered.WithLabelValues("macro").Inc()
	m.PersistenceOps.Inc()

	assert.EqualValues(t, 1, counterValue(t, m.PersistenceOps))
}

func TestObserveProcessing_RecordsLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "test_exporter2")

	m.ObserveProcessing("page", "success", 250*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "test_exporter2_item_processing_seconds" {
			found = true
		}
	}
	assert.True(t, found)
}
