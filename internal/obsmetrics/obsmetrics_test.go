package obsmetrics_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/isambard-sc/openportal/internal/obsmetrics"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestPulseUpdatesConnectedPeersAndBoardGauges(t *testing.T) {
	obsmetrics.Pulse(context.Background(), 3, map[string]int{"m": 2, "n": 5})

	require.Equal(t, float64(3), gaugeValue(t, obsmetrics.ConnectedPeers))
	require.Equal(t, float64(2), gaugeValue(t, obsmetrics.BoardJobs.WithLabelValues("m")))
}

func TestRegisterAddsEveryCollectorExactlyOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, obsmetrics.Register(reg))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)

	// Registering the same collectors on a second registry must also
	// succeed — Register must not mutate package-level collector state in
	// a way that breaks reuse across registries.
	reg2 := prometheus.NewRegistry()
	require.NoError(t, obsmetrics.Register(reg2))
}
