package testmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	dto "github.com/prometheus/client_model/go"
)

// GaugeValue returns the current value of a gauge metric.
func GaugeValue(t testing.TB, metric prometheus.Gauge) float64 {
	m := &dto.Metric{}
	err := metric.Write(m)
	require.NoError(t, err)
	return m.Gauge.GetValue()
}

// CounterValue returns the current value of a counter metric.
//
// Note: counter values can persist across tests, so either Reset() the
// metric vec at the start of the test or compare against a value read
// before the code under test runs.
func CounterValue(t testing.TB, metric prometheus.Counter) float64 {
	m := &dto.Metric{}
	err := metric.Write(m)
	require.NoError(t, err)
	return m.Counter.GetValue()
}

// HistogramSampleCount returns the number of observations recorded for the
// given labels.
func HistogramSampleCount(t testing.TB, h *prometheus.HistogramVec, labels prometheus.Labels) uint64 {
	metric, err := h.GetMetricWith(labels)
	require.NoError(t, err)
	m := &dto.Metric{}
	err = metric.(prometheus.Metric).Write(m)
	require.NoError(t, err)
	return m.Histogram.GetSampleCount()
}
