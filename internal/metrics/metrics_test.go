package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_PairLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.PairArmed()
	r.PairArmed()
	r.PairFinished("flat")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.pairsArmed))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.pairsRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.pairsFinished.WithLabelValues("flat")))
}

func TestRecorder_NetExposureCleared(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.NetExposure("p1", -5)
	assert.Equal(t, -5.0, testutil.ToFloat64(r.netExposure.WithLabelValues("p1")))

	r.ClearPair("p1")
	assert.Equal(t, 0, testutil.CollectAndCount(r.netExposure))
}

func TestRecorder_Registered(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	r.LegSubmitted("primary", "BUY")
	r.UnwindIteration("requote")

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["pairbot_legs_submitted_total"])
	assert.True(t, names["pairbot_unwind_iterations_total"])
}

func TestRecorder_NilSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.PairArmed()
		r.PairFinished("flat")
		r.LegSubmitted("primary", "BUY")
		r.LegRejected()
		r.UnwindIteration("flatten")
		r.UnwindError()
		r.NetExposure("p", 1)
		r.ClearPair("p")
		r.QuoteReceived("ES")
	})
}
