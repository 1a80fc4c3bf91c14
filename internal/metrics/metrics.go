// Package metrics exposes Prometheus instrumentation for the pair trading
// engine:
//
//	pairbot_pairs_armed_total              pair orders accepted
//	pairbot_pairs_finished_total{reason}   pair orders finished, by reason
//	pairbot_pairs_running                  pair orders in the running set
//	pairbot_legs_submitted_total{origin,side}
//	pairbot_legs_rejected_total
//	pairbot_unwind_iterations_total{action}
//	pairbot_unwind_errors_total
//	pairbot_pair_net_exposure{pair_id}     last observed net exposure
//	pairbot_quotes_total{instrument}
//
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder groups the engine's collectors.
type Recorder struct {
	pairsArmed     prometheus.Counter
	pairsFinished  *prometheus.CounterVec
	pairsRunning   prometheus.Gauge
	legsSubmitted  *prometheus.CounterVec
	legsRejected   prometheus.Counter
	unwindIters    *prometheus.CounterVec
	unwindErrors   prometheus.Counter
	netExposure    *prometheus.GaugeVec
	quotesReceived *prometheus.CounterVec
}

// New creates a Recorder and registers its collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		pairsArmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairbot_pairs_armed_total",
			Help: "Pair orders accepted and armed",
		}),
		pairsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairbot_pairs_finished_total",
			Help: "Pair orders finished, split by reason",
		}, []string{"reason"}),
		pairsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pairbot_pairs_running",
			Help: "Pair orders currently in the running set",
		}),
		legsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairbot_legs_submitted_total",
			Help: "Limit orders submitted, split by origin (primary|unwind) and side",
		}, []string{"origin", "side"}),
		legsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairbot_legs_rejected_total",
			Help: "Limit orders rejected by the gateway",
		}),
		unwindIters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairbot_unwind_iterations_total",
			Help: "Unwind iterations, split by the action taken",
		}, []string{"action"}),
		unwindErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairbot_unwind_errors_total",
			Help: "Unwind iterations that failed and were retried",
		}),
		// One series per pair order; cleared when the pair order finishes.
		netExposure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pairbot_pair_net_exposure",
			Help: "Net filled quantity (BUY minus SELL) of a running pair order",
		}, []string{"pair_id"}),
		quotesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairbot_quotes_total",
			Help: "Quote updates received from the feed",
		}, []string{"instrument"}),
	}
	reg.MustRegister(
		r.pairsArmed,
		r.pairsFinished,
		r.pairsRunning,
		r.legsSubmitted,
		r.legsRejected,
		r.unwindIters,
		r.unwindErrors,
		r.netExposure,
		r.quotesReceived,
	)
	return r
}

func (r *Recorder) PairArmed() {
	if r == nil {
		return
	}
	r.pairsArmed.Inc()
	r.pairsRunning.Inc()
}

func (r *Recorder) PairFinished(reason string) {
	if r == nil {
		return
	}
	r.pairsFinished.WithLabelValues(reason).Inc()
	r.pairsRunning.Dec()
}

func (r *Recorder) LegSubmitted(origin, side string) {
	if r == nil {
		return
	}
	r.legsSubmitted.WithLabelValues(origin, side).Inc()
}

func (r *Recorder) LegRejected() {
	if r == nil {
		return
	}
	r.legsRejected.Inc()
}

// UnwindIteration counts one unwind step; action is flatten, close_out or requote.
func (r *Recorder) UnwindIteration(action string) {
	if r == nil {
		return
	}
	r.unwindIters.WithLabelValues(action).Inc()
}

func (r *Recorder) UnwindError() {
	if r == nil {
		return
	}
	r.unwindErrors.Inc()
}

func (r *Recorder) NetExposure(pairID string, net int64) {
	if r == nil {
		return
	}
	r.netExposure.WithLabelValues(pairID).Set(float64(net))
}

// ClearPair drops the per-pair series.
func (r *Recorder) ClearPair(pairID string) {
	if r == nil {
		return
	}
	r.netExposure.DeleteLabelValues(pairID)
}

func (r *Recorder) QuoteReceived(instrument string) {
	if r == nil {
		return
	}
	r.quotesReceived.WithLabelValues(instrument).Inc()
}
