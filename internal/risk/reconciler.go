package risk

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"riskmanager/internal/models"
)

// HandleOrderResult сверяет отчёт execution-сервиса с леджером.
//
// FILLED применяет фил (FIFO P&L, позиции, equity) и перепроверяет
// дневную просадку: убыточный фил может выбить предохранитель.
// REJECTED/ERROR идут в трекер сбоев и могут выбить предохранитель
// по серии. В любом исходе декрементируется pending-счётчик и
// персистируется снапшот.
func (e *Engine) HandleOrderResult(ctx context.Context, res *models.OrderResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ensureTradingDayLocked(ctx)
	e.maybeResetBreakerLocked(ctx)

	now := e.now().Unix()

	e.stats.OrderResultsReceived++
	e.stats.LastOrderResult = fmt.Sprintf("%s %s %s", res.OrderID, res.Status, res.Symbol)
	OrderResultsReceived.WithLabelValues(res.Status).Inc()

	// Ровно один результат на отправленный ордер; floor на нуле
	// защищает от дублей и результатов чужих рестартов
	if e.state.PendingOrders > 0 {
		e.state.PendingOrders--
	}

	if res.Status == models.OrderStatusFilled {
		e.applyFilledResultLocked(ctx, res, now)
	} else {
		e.applyFailedResultLocked(ctx, res, now)
	}

	e.persistLocked(ctx)
	e.broadcastRiskUpdateLocked()
}

func (e *Engine) applyFilledResultLocked(ctx context.Context, res *models.OrderResult, now int64) {
	// Леджер обновляется только подтверждённым количеством; фил без
	// filled_quantity позицию не открывает
	qty := res.FilledQuantity
	if res.Price != nil && qty > 0 {
		key := botKey(res.StrategyID, res.BotID)
		if err := e.state.ApplyFill(res.Symbol, res.Side, qty, *res.Price, key); err != nil {
			// Некорректный фил не роняет сервис и не портит леджер:
			// ApplyFill валидирует до мутации
			e.log.Warn("fill not applied",
				zap.String("order_id", res.OrderID),
				zap.String("symbol", res.Symbol),
				zap.Error(err))
		}
	} else {
		e.log.Warn("filled result without price or filled quantity, ledger not updated",
			zap.String("order_id", res.OrderID))
	}

	e.state.RecordExecutionSuccess()

	e.log.Info("order filled",
		zap.String("order_id", res.OrderID),
		zap.String("symbol", res.Symbol),
		zap.String("side", res.Side),
		zap.Float64("quantity", qty),
		zap.Float64("equity", e.state.Equity),
		zap.Float64("drawdown_pct", e.state.CurrentDrawdownPct))

	// Убыточный фил мог выбрать дневной лимит просадки; лимит
	// защёлкивается по максимуму за день
	if e.guardActive() && !e.state.CircuitBreakerActive &&
		e.state.MaxDrawdownPct >= e.cfg.Risk.MaxDailyDrawdownPct {
		reason := fmt.Sprintf("%s: max drawdown %.4f >= limit %.4f",
			reasonDailyDrawdown, e.state.MaxDrawdownPct, e.cfg.Risk.MaxDailyDrawdownPct)
		e.triggerBreakerLocked(ctx, reason, now)
		e.sendAlertLocked(ctx, models.NewAlert(
			models.AlertLevelCritical,
			models.AlertCodeCircuitBreaker,
			"circuit breaker tripped: daily drawdown limit reached after fill",
			map[string]interface{}{
				"order_id":         res.OrderID,
				"max_drawdown_pct": e.state.MaxDrawdownPct,
				"limit_pct":        e.cfg.Risk.MaxDailyDrawdownPct,
			},
			now,
		))
	}
}

func (e *Engine) applyFailedResultLocked(ctx context.Context, res *models.OrderResult, now int64) {
	e.stats.OrdersRejectedExecution++
	OrdersRejectedExecution.Inc()

	reason := res.RejectReasonCode
	if reason == "" {
		if res.Status == models.OrderStatusRejected {
			reason = "EXECUTION_REJECTED"
		} else {
			reason = "EXECUTION_ERROR"
		}
	}

	level := models.AlertLevelCritical
	if res.Status == models.OrderStatusRejected {
		level = models.AlertLevelWarning
	}
	e.sendAlertLocked(ctx, models.NewAlert(
		level,
		models.AlertCodeExecutionError,
		fmt.Sprintf("order %s: %s", res.Status, res.OrderID),
		map[string]interface{}{
			"order_id": res.OrderID,
			"symbol":   res.Symbol,
			"reason":   reason,
			"error":    res.ErrorMessage,
		},
		now,
	))

	e.log.Warn("order execution failed",
		zap.String("order_id", res.OrderID),
		zap.String("status", res.Status),
		zap.String("reason", reason))

	// Трекер сбоев живёт за guard'ом: при отключённом предохранителе
	// состояние не должно показывать breaker, который никогда не сработает
	if !e.guardActive() {
		return
	}

	tripped := e.state.RecordExecutionFailure(now, reason,
		e.cfg.Breaker.MaxConsecutiveFailures,
		e.cfg.Breaker.MaxFailures,
		e.cfg.Breaker.FailureWindowSec)

	if tripped {
		e.triggerBreakerLocked(ctx, reason, now)
		e.sendAlertLocked(ctx, models.NewAlert(
			models.AlertLevelCritical,
			models.AlertCodeCircuitBreaker,
			"circuit breaker tripped: repeated execution failures",
			map[string]interface{}{
				"reason":               reason,
				"consecutive_failures": e.state.ConsecutiveFailures,
			},
			now,
		))
	}
}
