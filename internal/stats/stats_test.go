package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReport_SwapsDeltaCountersToZero(t *testing.T) {
	st := New()
	st.NewConnections.Add(5)
	st.ActiveConnections.Add(3)

	st.Report(zap.NewNop(), "test_stats")

	require.Equal(t, int64(0), st.NewConnections.Load())
	require.Equal(t, int64(3), st.ActiveConnections.Load(), "gauges are not reset by Report")
}

func TestReport_GaugesSurviveMultipleReports(t *testing.T) {
	st := New()
	st.StreamLoadEMA.Store(42)

	st.Report(zap.NewNop(), "test_stats")
	st.Report(zap.NewNop(), "test_stats")

	require.Equal(t, int64(42), st.StreamLoadEMA.Load())
}
