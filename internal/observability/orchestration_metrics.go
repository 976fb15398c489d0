package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OrchestrationMetrics tracks health of the state-resolution and
// context-orchestration pipeline.
type OrchestrationMetrics struct {
	unresolvedRefs   prometheus.CounterVec
	kbFailures       prometheus.CounterVec
	accessorTimeouts prometheus.Counter
	guardDenials     prometheus.Counter
	selectedTokens   prometheus.Gauge
	strategies       prometheus.CounterVec
	turnRollbacks    prometheus.Counter
}

var (
	defaultOrchestrationMetrics     *OrchestrationMetrics
	defaultOrchestrationMetricsOnce sync.Once
)

// NewOrchestrationMetrics builds a recorder using the default registry.
func NewOrchestrationMetrics() *OrchestrationMetrics {
	defaultOrchestrationMetricsOnce.Do(func() {
		defaultOrchestrationMetrics = newOrchestrationMetrics(prometheus.DefaultRegisterer)
	})
	return defaultOrchestrationMetrics
}

// NewOrchestrationMetricsWithRegisterer allows tests to provide a dedicated registry.
func NewOrchestrationMetricsWithRegisterer(reg prometheus.Registerer) *OrchestrationMetrics {
	return newOrchestrationMetrics(reg)
}

func newOrchestrationMetrics(reg prometheus.Registerer) *OrchestrationMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &OrchestrationMetrics{
		unresolvedRefs: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orbit",
			Subsystem: "state",
			Name:      "unresolved_reference_total",
			Help:      "Context or tool keys cited by a state node that resolved to nothing",
		}, []string{"kind"}),
		kbFailures: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orbit",
			Subsystem: "orchestrator",
			Name:      "knowledge_base_failure_total",
			Help:      "Knowledge base calls that failed and fell back to local scoring",
		}, []string{"op"}),
		accessorTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orbit",
			Subsystem: "orchestrator",
			Name:      "accessor_timeout_total",
			Help:      "Dynamic context accessors that timed out or failed for a turn",
		}),
		guardDenials: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orbit",
			Subsystem: "state",
			Name:      "guard_denial_total",
			Help:      "State entry/exit guard evaluations that denied a transition",
		}),
		selectedTokens: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orbit",
			Subsystem: "orchestrator",
			Name:      "selected_tokens",
			Help:      "Estimated tokens of the selected contexts for the most recent turn",
		}),
		strategies: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orbit",
			Subsystem: "orchestrator",
			Name:      "strategy_total",
			Help:      "Turns by the context strategy used to satisfy the token budget",
		}, []string{"strategy"}),
		turnRollbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orbit",
			Subsystem: "orchestrator",
			Name:      "turn_rollback_total",
			Help:      "Turns whose session-state mutations were rolled back on cancellation",
		}),
	}
}

// RecordUnresolvedReference increments the unresolved reference counter.
func (m *OrchestrationMetrics) RecordUnresolvedReference(kind string) {
	if m == nil {
		return
	}
	m.unresolvedRefs.WithLabelValues(kind).Inc()
}

// RecordKnowledgeBaseFailure increments the labeled knowledge-base failure counter.
func (m *OrchestrationMetrics) RecordKnowledgeBaseFailure(op string) {
	if m == nil {
		return
	}
	m.kbFailures.WithLabelValues(op).Inc()
}

// RecordAccessorTimeout increments the accessor timeout counter.
func (m *OrchestrationMetrics) RecordAccessorTimeout() {
	if m == nil || m.accessorTimeouts == nil {
		return
	}
	m.accessorTimeouts.Inc()
}

// RecordGuardDenial increments the guard denial counter.
func (m *OrchestrationMetrics) RecordGuardDenial() {
	if m == nil || m.guardDenials == nil {
		return
	}
	m.guardDenials.Inc()
}

// RecordSelectedTokens sets the latest selected-token measurement.
func (m *OrchestrationMetrics) RecordSelectedTokens(tokens int) {
	if m == nil || m.selectedTokens == nil {
		return
	}
	m.selectedTokens.Set(float64(tokens))
}

// RecordStrategy increments the per-strategy turn counter.
func (m *OrchestrationMetrics) RecordStrategy(strategy string) {
	if m == nil {
		return
	}
	m.strategies.WithLabelValues(strategy).Inc()
}

// RecordTurnRollback increments the rollback counter.
func (m *OrchestrationMetrics) RecordTurnRollback() {
	if m == nil || m.turnRollbacks == nil {
		return
	}
	m.turnRollbacks.Inc()
}
