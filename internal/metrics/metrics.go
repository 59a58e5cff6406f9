// Package metrics exports Prometheus metrics derived from the engine's
// trace stream. Attaching to a trace collector is the only integration
// point; the engine itself never touches a metric.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/noex/noex-rules/internal/trace"
)

const namespace = "noex_rules"

// Metrics holds the exported collectors. One instance per registry.
type Metrics struct {
	rulesTriggered *prometheus.CounterVec
	rulesExecuted  *prometheus.CounterVec
	rulesSkipped   *prometheus.CounterVec
	actionFailures *prometheus.CounterVec
	ruleDuration   *prometheus.HistogramVec
	eventsEmitted  prometheus.Counter
	factChanges    *prometheus.CounterVec
	timersExpired  prometheus.Counter
	timersCanceled prometheus.Counter
	reloads        *prometheus.CounterVec
}

// New registers the metric set with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		rulesTriggered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_triggered_total",
			Help:      "Rules whose trigger matched a dispatched item.",
		}, []string{"rule"}),
		rulesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_executed_total",
			Help:      "Rules whose conditions passed and whose actions ran.",
		}, []string{"rule"}),
		rulesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_skipped_total",
			Help:      "Rules skipped after triggering, by reason.",
		}, []string{"rule", "reason"}),
		actionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_failures_total",
			Help:      "Actions that returned an error, by action type.",
		}, []string{"rule", "action_type"}),
		ruleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rule_duration_seconds",
			Help:      "End-to-end rule execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"rule"}),
		eventsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Events appended to the event store.",
		}),
		factChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fact_changes_total",
			Help:      "Fact writes and deletions dispatched to the engine.",
		}, []string{"op"}),
		timersExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_expired_total",
			Help:      "Timer expirations dispatched to the engine.",
		}),
		timersCanceled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_cancelled_total",
			Help:      "Timers cancelled before expiry.",
		}),
		reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hot_reloads_total",
			Help:      "Hot reload cycles, by outcome.",
		}, []string{"outcome"}),
	}
}

// Observe folds one trace entry into the metric set. Safe for the trace
// collector's fan-out; Prometheus collectors are concurrency-safe.
func (m *Metrics) Observe(e *trace.Entry) {
	switch e.Type {
	case trace.TypeRuleTriggered:
		m.rulesTriggered.WithLabelValues(e.RuleID).Inc()
	case trace.TypeRuleExecuted:
		m.rulesExecuted.WithLabelValues(e.RuleID).Inc()
		m.ruleDuration.WithLabelValues(e.RuleID).Observe(e.DurationMs / 1000)
	case trace.TypeRuleSkipped:
		reason, _ := e.Details["reason"].(string)
		if reason == "" {
			reason = "unknown"
		}
		m.rulesSkipped.WithLabelValues(e.RuleID, reason).Inc()
	case trace.TypeActionFailed:
		actionType, _ := e.Details["actionType"].(string)
		m.actionFailures.WithLabelValues(e.RuleID, actionType).Inc()
	case trace.TypeEventEmitted:
		m.eventsEmitted.Inc()
	case trace.TypeFactChanged:
		op := "set"
		if deleted, _ := e.Details["deleted"].(bool); deleted {
			op = "deleted"
		}
		m.factChanges.WithLabelValues(op).Inc()
	case trace.TypeTimerExpired:
		m.timersExpired.Inc()
	case trace.TypeTimerCancelled:
		if cancelled, _ := e.Details["cancelled"].(bool); cancelled {
			m.timersCanceled.Inc()
		}
	case trace.TypeHotReloadCompleted:
		m.reloads.WithLabelValues("completed").Inc()
	case trace.TypeHotReloadFailed:
		m.reloads.WithLabelValues("failed").Inc()
	}
}

// Attach subscribes the metric set to a trace collector. Returns the
// unsubscribe function.
func (m *Metrics) Attach(c *trace.Collector) func() {
	return c.Subscribe(m.Observe)
}
