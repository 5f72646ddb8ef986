package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Health: длительность цикла и последний score каждого бота
	HealthCycleDuration prometheus.Histogram
	BotHealthScore      *prometheus.GaugeVec
	ProbeFailures       *prometheus.CounterVec // check: health | mesh | exception

	// Операции
	Deployments   *prometheus.CounterVec // result: completed | failed
	Recoveries    *prometheus.CounterVec // method, outcome
	AlertsTotal   *prometheus.CounterVec // result: sent | dropped | failed
	PriorityMode  *prometheus.GaugeVec   // 1 — priority, 0 — normal
	PriorityQueue *prometheus.GaugeVec   // отложенные переходы

	// Saturation: состояние Circuit Breaker исполнителя (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Persistence
	PersistFailures prometheus.Counter
	LastPersistUnix prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		HealthCycleDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "botfleet_health_cycle_duration_seconds",
			Help:    "Duration of a full fleet health cycle.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		}),

		BotHealthScore: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "botfleet_bot_health_score",
			Help: "Last computed health score per bot (0-100).",
		}, []string{"bot_id"}),

		ProbeFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "botfleet_probe_failures_total",
			Help: "Failed health checks by check kind.",
		}, []string{"bot_id", "check"}),

		Deployments: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "botfleet_deployments_total",
			Help: "Finished deployments by result.",
		}, []string{"bot_type", "result"}),

		Recoveries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "botfleet_recoveries_total",
			Help: "Finished recoveries by method and outcome.",
		}, []string{"method", "outcome"}),

		AlertsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "botfleet_alerts_total",
			Help: "Alert deliveries by channel and result.",
		}, []string{"channel", "result"}),

		PriorityMode: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "botfleet_priority_mode",
			Help: "Priority mode per bot (1=priority, 0=normal).",
		}, []string{"bot_id"}),

		PriorityQueue: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "botfleet_priority_pending",
			Help: "Deferred priority transitions waiting for the bot to become idle.",
		}, []string{"bot_id"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "botfleet_executor_circuit_breaker_state",
			Help: "Remote executor circuit breaker state per host (0=closed, 1=half-open, 2=open).",
		}, []string{"host"}),

		PersistFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "botfleet_state_persist_failures_total",
			Help: "Failed attempts to persist the fleet snapshot.",
		}),

		LastPersistUnix: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "botfleet_state_last_persist_timestamp_seconds",
			Help: "Unix time of the last successful snapshot save.",
		}),
	}
}
