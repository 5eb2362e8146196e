package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once             sync.Once
	stageDuration    *prom.HistogramVec
	runDuration      prom.Histogram
	stageResults     *prom.CounterVec
	runOutcome       *prom.CounterVec
	cyclesDetected   *prom.CounterVec
	forcedMoves      *prom.CounterVec
	rollbacks        *prom.CounterVec
	retries          *prom.CounterVec
	retriesExhausted *prom.CounterVec
	groupCount       prom.Gauge
}

// NewPrometheusRecorder constructs and registers the engine's metrics. A
// nil registry gets a fresh one; registering twice with the same registry
// panics.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "prstack",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"})
		pr.runDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "prstack",
			Name:      "run_duration_seconds",
			Help:      "Total pipeline run duration",
			Buckets:   prom.DefBuckets,
		})
		pr.stageResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "prstack",
			Name:      "stage_results_total",
			Help:      "Stage result counts by outcome",
		}, []string{"stage", "result"})
		pr.runOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "prstack",
			Name:      "run_outcomes_total",
			Help:      "Run outcomes by final status",
		}, []string{"outcome"})
		pr.cyclesDetected = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "prstack",
			Name:      "cycles_detected_total",
			Help:      "Dependency cycles detected by the feasibility analyzer",
		}, []string{"fatal"})
		pr.forcedMoves = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "prstack",
			Name:      "forced_moves_total",
			Help:      "Paths relocated by a coupling set",
		}, []string{"set"})
		pr.rollbacks = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "prstack",
			Name:      "rollbacks_total",
			Help:      "Executor rollbacks by stage",
		}, []string{"stage"})
		pr.retries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "prstack",
			Name:      "run_retries_total",
			Help:      "Total stage retries (transient failures)",
		}, []string{"stage"})
		pr.retriesExhausted = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "prstack",
			Name:      "run_retry_exhausted_total",
			Help:      "Count of stages where retries were exhausted",
		}, []string{"stage"})
		pr.groupCount = prom.NewGauge(prom.GaugeOpts{
			Namespace: "prstack",
			Name:      "group_count",
			Help:      "Number of groups in the last computed plan",
		})
		reg.MustRegister(pr.stageDuration, pr.runDuration, pr.stageResults, pr.runOutcome,
			pr.cyclesDetected, pr.forcedMoves, pr.rollbacks, pr.retries, pr.retriesExhausted, pr.groupCount)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveRunDuration(d time.Duration) {
	if p == nil || p.runDuration == nil {
		return
	}
	p.runDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, result ResultLabel) {
	if p == nil || p.stageResults == nil {
		return
	}
	p.stageResults.WithLabelValues(stage, string(result)).Inc()
}

func (p *PrometheusRecorder) IncRunOutcome(outcome OutcomeLabel) {
	if p == nil || p.runOutcome == nil {
		return
	}
	p.runOutcome.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncCycleDetected(fatal bool) {
	if p == nil || p.cyclesDetected == nil {
		return
	}
	label := "dropped"
	if fatal {
		label = "fatal"
	}
	p.cyclesDetected.WithLabelValues(label).Inc()
}

func (p *PrometheusRecorder) IncForcedMove(setName string) {
	if p == nil || p.forcedMoves == nil {
		return
	}
	p.forcedMoves.WithLabelValues(setName).Inc()
}

func (p *PrometheusRecorder) IncRollback(stage string) {
	if p == nil || p.rollbacks == nil {
		return
	}
	p.rollbacks.WithLabelValues(stage).Inc()
}

func (p *PrometheusRecorder) IncRunRetry(stage string) {
	if p == nil || p.retries == nil {
		return
	}
	p.retries.WithLabelValues(stage).Inc()
}

func (p *PrometheusRecorder) IncRunRetryExhausted(stage string) {
	if p == nil || p.retriesExhausted == nil {
		return
	}
	p.retriesExhausted.WithLabelValues(stage).Inc()
}

func (p *PrometheusRecorder) SetGroupCount(n int) {
	if p == nil || p.groupCount == nil {
		return
	}
	p.groupCount.Set(float64(n))
}
