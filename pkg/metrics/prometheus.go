// Package metrics records pipeline counters with Prometheus. A Recorder
// satisfies both the detector and labeler observer interfaces.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/algomatic/m18/pkg/detector"
	"github.com/algomatic/m18/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements pipeline metrics using Prometheus.
type Recorder struct {
	registry *prometheus.Registry

	symbolsTotal   *prometheus.CounterVec
	breakoutsTotal *prometheus.CounterVec
	tradesTotal    *prometheus.CounterVec
	skippedTotal   *prometheus.CounterVec
	tradeReturn    *prometheus.HistogramVec
	joinMatchRate  prometheus.Gauge
	stageDuration  *prometheus.HistogramVec
	inFlight       prometheus.Gauge
}

// New creates a Recorder on its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		symbolsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "m18_symbols_total",
				Help: "Symbols processed by the detector, by outcome",
			},
			[]string{"outcome"},
		),
		breakoutsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "m18_breakouts_total",
				Help: "Breakout events detected, by entry market level",
			},
			[]string{"level"},
		),
		tradesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "m18_trades_labeled_total",
				Help: "Trades labelled, by entry market level and exit reason",
			},
			[]string{"level", "reason"},
		),
		skippedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "m18_skipped_total",
				Help: "Events or symbols skipped, by stage and reason",
			},
			[]string{"stage", "reason"},
		),
		tradeReturn: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "m18_trade_return",
				Help:    "Per-trade return of labelled trades",
				Buckets: []float64{-0.3, -0.2, -0.1, -0.05, 0, 0.05, 0.1, 0.2, 0.3, 0.5},
			},
			[]string{"reason"},
		),
		joinMatchRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "m18_regime_join_match_rate",
			Help: "Share of indicator bars that found a market level for their day",
		}),
		stageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "m18_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "m18_symbols_in_flight",
			Help: "Symbols currently being scored",
		}),
	}
}

// SymbolStarted marks a symbol as in flight.
func (r *Recorder) SymbolStarted(string) {
	r.inFlight.Inc()
}

// SymbolFinished records a symbol's detector outcome.
func (r *Recorder) SymbolFinished(res detector.Result) {
	r.inFlight.Dec()
	if res.Skipped() {
		r.symbolsTotal.WithLabelValues("skipped").Inc()
		r.skippedTotal.WithLabelValues("detect", string(res.Skip)).Inc()
		return
	}
	r.symbolsTotal.WithLabelValues("scored").Inc()
	for _, ev := range res.Events {
		r.breakoutsTotal.WithLabelValues(strconv.Itoa(ev.MarketLevel)).Inc()
	}
}

// TradeLabeled records a labelled trade.
func (r *Recorder) TradeLabeled(t types.LabeledTrade) {
	r.tradesTotal.WithLabelValues(strconv.Itoa(t.MarketLevel), string(t.Reason)).Inc()
	if types.Finite(t.RetPct) {
		r.tradeReturn.WithLabelValues(string(t.Reason)).Observe(t.RetPct)
	}
}

// TradeSkipped records an event the labeler left out.
func (r *Recorder) TradeSkipped(_ types.BreakoutEvent, reason types.SkipReason) {
	r.skippedTotal.WithLabelValues("label", string(reason)).Inc()
}

// RecordJoin records the regime join match rate of a detector batch.
func (r *Recorder) RecordJoin(j detector.JoinStats) {
	r.joinMatchRate.Set(j.MatchRate())
}

// RecordStage records a stage duration in seconds.
func (r *Recorder) RecordStage(stage string, seconds float64) {
	r.stageDuration.WithLabelValues(stage).Observe(seconds)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes the current metrics for the node exporter textfile
// collector. The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
