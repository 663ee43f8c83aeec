package risk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики риск-менеджера
// ============================================================
//
// Использование:
// - Grafana дашборды для визуализации потока сигналов
// - Alertmanager для уведомлений о срабатывании circuit breaker

// ============ Счётчики потока сигналов ============

// SignalsReceived - количество принятых сигналов
var SignalsReceived = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "risk",
		Subsystem: "signals",
		Name:      "received_total",
		Help:      "Total number of trading signals received",
	},
)

// SignalsApproved - сигналы, прошедшие все проверки
var SignalsApproved = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "risk",
		Subsystem: "signals",
		Name:      "approved_total",
		Help:      "Total number of signals approved and forwarded as orders",
	},
)

// SignalsBlocked - заблокированные сигналы по коду отказа
var SignalsBlocked = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "risk",
		Subsystem: "signals",
		Name:      "blocked_total",
		Help:      "Total number of signals blocked by admission checks",
	},
	[]string{"reason"},
)

// AlertsGenerated - опубликованные алерты по уровню
var AlertsGenerated = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "risk",
		Subsystem: "alerts",
		Name:      "generated_total",
		Help:      "Total number of alerts published",
	},
	[]string{"level"},
)

// ============ Счётчики исполнения ============

// OrderResultsReceived - полученные результаты исполнения
var OrderResultsReceived = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "risk",
		Subsystem: "execution",
		Name:      "order_results_total",
		Help:      "Total number of order results received by status",
	},
	[]string{"status"},
)

// OrdersRejectedExecution - отклонённые биржей ордера
var OrdersRejectedExecution = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "risk",
		Subsystem: "execution",
		Name:      "orders_rejected_total",
		Help:      "Total number of orders rejected or failed at execution",
	},
)

// ============ Метрики состояния ============

// CircuitBreakerActive - состояние circuit breaker (1=открыт, 0=закрыт)
var CircuitBreakerActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "risk",
		Subsystem: "state",
		Name:      "circuit_breaker_active",
		Help:      "Circuit breaker state (1=tripped, 0=closed)",
	},
)

// PendingOrders - ордера, отправленные на исполнение и ещё не закрытые результатом
var PendingOrders = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "risk",
		Subsystem: "state",
		Name:      "pending_orders",
		Help:      "Orders emitted but not yet reconciled with a result",
	},
)

// TotalExposure - суммарная экспозиция портфеля в котируемой валюте
var TotalExposure = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "risk",
		Subsystem: "state",
		Name:      "total_exposure_usdt",
		Help:      "Total portfolio exposure across open positions",
	},
)

// CurrentDrawdown - текущая просадка от дневного пика
var CurrentDrawdown = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "risk",
		Subsystem: "state",
		Name:      "current_drawdown_pct",
		Help:      "Current drawdown from daily peak equity (fraction)",
	},
)

// ============ Вспомогательные функции ============

// recordBreakerState выставляет gauge circuit breaker
func recordBreakerState(active bool) {
	if active {
		CircuitBreakerActive.Set(1)
	} else {
		CircuitBreakerActive.Set(0)
	}
}

// recordStateGauges обновляет gauges из ledger; вызывать под мьютексом движка
func recordStateGauges(s *RiskState) {
	recordBreakerState(s.CircuitBreakerActive)
	PendingOrders.Set(float64(s.PendingOrders))
	TotalExposure.Set(s.TotalExposure())
	CurrentDrawdown.Set(s.CurrentDrawdownPct)
}
