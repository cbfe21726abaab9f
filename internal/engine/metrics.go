package engine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: полное время исполнения (включая коллабораторов)
	ExecutionDuration *prometheus.HistogramVec

	// Traffic: исполнения по виду действия и итогу
	Executions *prometheus.CounterVec

	// Отказы по правилам (rule = capability, size, volume, ...)
	RuleViolations *prometheus.CounterVec

	// Errors: категории ошибок (authorization, policy_violation, integrity, collaborator)
	ErrorTotal *prometheus.CounterVec

	// Неудачные откаты резерва счетчиков
	CounterRollbackFailures prometheus.Counter

	// Saturation: состояние Circuit Breaker (0 - closed, 0.5 - half-open, 1 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Остановленные оператором агенты
	HaltedAgents prometheus.Gauge

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		ExecutionDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gate_execution_duration_seconds",
			Help:    "Histogram of delegated execution latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"action", "status"}),

		Executions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gate_executions_total",
			Help: "Total number of delegated execution attempts.",
		}, []string{"action", "status"}),

		RuleViolations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gate_rule_violations_total",
			Help: "Total number of requests rejected by a policy rule.",
		}, []string{"rule"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gate_errors_total",
			Help: "Total number of errors by category.",
		}, []string{"category"}),

		CounterRollbackFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gate_counter_rollback_failures_total",
			Help: "Total number of counter reservations that could not be rolled back.",
		}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "gate_circuit_breaker_state",
			Help: "Current state of the collaborator circuit breaker (0=closed, 0.5=half-open, 1=open).",
		}, []string{"collaborator"}),

		HaltedAgents: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "gate_halted_agents",
			Help: "Number of agents halted by the operator kill switch.",
		}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "gate_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}

// TrackAuditBuffer периодически снимает заполненность буфера журнала. Блокирует до отмены ctx.
func (m *Metrics) TrackAuditBuffer(ctx context.Context, buf interface{ Len() int }, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.AuditBufferFill.Set(float64(buf.Len()))
		}
	}
}
