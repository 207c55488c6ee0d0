package txkv

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	stats := NewStatistics()
	stats.RecordTick(TickerCommits, 3)
	stats.MeasureTime(HistogramWriteTxnMicros, 10)
	stats.MeasureTime(HistogramWriteTxnMicros, 30)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewPrometheusCollector("app", stats)))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, int(TickerEnumMax)+int(HistogramEnumMax))

	byName := make(map[string]float64)
	var summaryCount uint64
	var summarySum float64
	for _, mf := range families {
		m := mf.GetMetric()[0]
		switch {
		case m.GetCounter() != nil:
			byName[mf.GetName()] = m.GetCounter().GetValue()
		case mf.GetName() == "app_txkv_txn_write_micros":
			summaryCount = m.GetSummary().GetSampleCount()
			summarySum = m.GetSummary().GetSampleSum()
		}
	}
	assert.Equal(t, 3.0, byName["app_txkv_txn_commit_total"])
	assert.Equal(t, 0.0, byName["app_txkv_txn_abort_total"])
	assert.Equal(t, uint64(2), summaryCount)
	assert.Equal(t, 40.0, summarySum)
}

func TestPrometheusCollectorNilStatistics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewPrometheusCollector("", nil)))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}
