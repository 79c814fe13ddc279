// Package metrics exposes decision, cache and rule metrics in Prometheus
// format.
package metrics

import (
	"net/http"
	"time"

	"execguard/internal/cache"
	"execguard/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheStats reports cache counters at scrape time. *cache.Cache implements
// it.
type CacheStats interface {
	Stats() cache.Stats
}

// Collector owns a private registry. Each daemon creates one; nothing is
// registered globally.
type Collector struct {
	registry  *prometheus.Registry
	startTime time.Time

	decisions     *prometheus.CounterVec
	failSafes     *prometheus.CounterVec
	evaluations   prometheus.Counter
	evalLatency   prometheus.Histogram
	holds         prometheus.Counter
	ruleCount     *prometheus.GaugeVec
	events        *prometheus.CounterVec
	requestErrors prometheus.Counter
}

// NewCollector creates a collector with process and Go runtime metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execguard_decisions_total",
			Help: "Execution decisions by response action and reason",
		}, []string{"action", "reason"}),
		failSafes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execguard_failsafe_total",
			Help: "Decisions that fell back to the mode fail-safe, by cause",
		}, []string{"cause"}),
		evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execguard_evaluations_total",
			Help: "Policy evaluations performed (cache misses that reached the evaluator)",
		}),
		evalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "execguard_evaluation_seconds",
			Help:    "Policy evaluation latency in seconds",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		holds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execguard_holds_total",
			Help: "Requests answered with RespondHold",
		}),
		ruleCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "execguard_rules",
			Help: "Rules currently loaded, by type",
		}, []string{"type"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execguard_events_total",
			Help: "Decision events handled by the event log, by outcome",
		}, []string{"outcome"}),
		requestErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execguard_request_errors_total",
			Help: "Malformed or failed transport requests",
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.decisions, c.failSafes, c.evaluations, c.evalLatency,
		c.holds, c.ruleCount, c.events, c.requestErrors,
	)
	return c
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration { return time.Since(c.startTime) }

// ObserveDecision counts one response.
func (c *Collector) ObserveDecision(action domain.Action, state domain.EventState) {
	reason := (state &^ domain.EventStateAux).String()
	c.decisions.WithLabelValues(action.String(), reason).Inc()
}

// ObserveEvaluation records one evaluator run.
func (c *Collector) ObserveEvaluation(d time.Duration) {
	c.evaluations.Inc()
	c.evalLatency.Observe(d.Seconds())
}

// ObserveFailSafe counts a fail-safe response. cause is a short label such
// as "timeout", "panic" or "invalid_verdict".
func (c *Collector) ObserveFailSafe(cause string) {
	c.failSafes.WithLabelValues(cause).Inc()
}

func (c *Collector) ObserveHold() { c.holds.Inc() }

func (c *Collector) ObserveEvent(outcome string) {
	c.events.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveRequestError() { c.requestErrors.Inc() }

// SetRuleCounts replaces the per-type rule gauges.
func (c *Collector) SetRuleCounts(counts map[domain.RuleType]int) {
	for _, t := range domain.RulePrecedence {
		c.ruleCount.WithLabelValues(t.String()).Set(float64(counts[t]))
	}
}

// RegisterCache exports cache counters, read at scrape time.
func (c *Collector) RegisterCache(src CacheStats) {
	read := func(pick func(cache.Stats) float64) func() float64 {
		return func() float64 { return pick(src.Stats()) }
	}
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "execguard_cache_entries", Help: "Resolved verdicts in the decision cache",
		}, read(func(s cache.Stats) float64 { return float64(s.Entries) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "execguard_cache_pending", Help: "Evaluations in flight",
		}, read(func(s cache.Stats) float64 { return float64(s.Pending) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "execguard_cache_hits_total", Help: "Decision cache hits",
		}, read(func(s cache.Stats) float64 { return float64(s.Hits) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "execguard_cache_misses_total", Help: "Decision cache misses",
		}, read(func(s cache.Stats) float64 { return float64(s.Misses) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "execguard_cache_evictions_total", Help: "Decision cache evictions",
		}, read(func(s cache.Stats) float64 { return float64(s.Evictions) })),
	)
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
