package risk

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"riskmanager/internal/models"
)

// Коды отказа admission pipeline. Попадают в метрику blocked_total
// и в context алертов.
const (
	RejectMissingStrategyID = "MISSING_STRATEGY_ID"
	RejectCircuitBreaker    = "CIRCUIT_BREAKER"
	RejectStrategyShutdown  = "STRATEGY_SHUTDOWN"
	RejectBotShutdown       = "BOT_SHUTDOWN"
	RejectAllocationPaused  = "ALLOCATION_PAUSED"
	RejectRiskOffRegime     = "RISK_OFF_REGIME"
	RejectZeroQuantity      = "ZERO_QUANTITY"
	RejectDailyDrawdown     = "DAILY_DRAWDOWN"
	RejectTotalExposure     = "MAX_TOTAL_EXPOSURE"
	RejectPositionSize      = "MAX_POSITION_SIZE"
	RejectSymbolExposure    = "SYMBOL_EXPOSURE_LIMIT"
	RejectBotExposure       = "BOT_EXPOSURE_LIMIT"
	RejectNoPrice           = "NO_PRICE"
)

// Rejection - исход отклонённого сигнала
type Rejection struct {
	Code    string
	Message string
}

// ProcessSignal прогоняет сигнал через цепочку проверок допуска.
//
// Порядок проверок фиксирован: отсутствие strategy_id, предохранитель,
// блок-листы, аллокация, рыночный режим, расчёт размера, дневная
// просадка, суммарная экспозиция, размер позиции, лимиты symbol/bot.
// Срабатывает первая нарушенная проверка, остальные не вычисляются.
//
// Возвращает либо готовый ордер, либо причину отказа. Публикация
// ордера - ответственность вызывающего.
func (e *Engine) ProcessSignal(ctx context.Context, sig *models.Signal) (*models.Order, *Rejection) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ensureTradingDayLocked(ctx)
	e.maybeResetBreakerLocked(ctx)

	now := e.now().Unix()
	guarded := e.guardActive()

	// 1. Сигнал без strategy_id не допускается никогда: невозможно
	// применить аллокацию и лимиты. Единственный отказ уровня CRITICAL
	// без участия предохранителя.
	if sig.StrategyID == "" {
		e.sendAlertLocked(ctx, models.NewAlert(
			models.AlertLevelCritical,
			models.AlertCodeMissingStrategyID,
			"signal rejected: missing strategy_id",
			map[string]interface{}{
				"symbol": sig.Symbol,
				"side":   sig.Side,
			},
			now,
		))
		return nil, e.rejectLocked(ctx, sig, RejectMissingStrategyID, "signal has no strategy_id")
	}

	// 2. Открытый предохранитель блокирует всё
	if guarded && e.state.CircuitBreakerActive {
		e.sendAlertLocked(ctx, models.NewAlert(
			models.AlertLevelCritical,
			models.AlertCodeCircuitBreaker,
			"signal rejected: circuit breaker is active",
			map[string]interface{}{
				"symbol": sig.Symbol,
				"reason": e.state.CircuitBreakerReason,
			},
			now,
		))
		// Если shutdown по какой-то причине не был разослан
		// (например, запись в стрим падала при срабатывании),
		// защёлка даёт повторить его здесь
		if !e.shutdownEmitted {
			e.shutdownEmitted = true
			e.emitShutdownLocked(ctx, models.ShutdownEvent{
				TS:            now,
				SourceService: serviceName,
				ReasonCode:    e.state.CircuitBreakerReason,
				Priority:      models.PrioritySafety,
			})
		}
		return nil, e.rejectLocked(ctx, sig, RejectCircuitBreaker, e.state.CircuitBreakerReason)
	}

	// 3. Блок-листы аварийных остановок. Отказ тихий: алерт уже был
	// отправлен при постановке в блок-лист.
	if guarded && e.state.HasStrategyShutdown(sig.StrategyID) {
		return nil, e.rejectLocked(ctx, sig, RejectStrategyShutdown, "strategy is shut down")
	}
	if guarded && sig.BotID != "" && e.state.HasBotShutdown(sig.BotID) {
		return nil, e.rejectLocked(ctx, sig, RejectBotShutdown, "bot is shut down")
	}

	// 4. Аллокация капитала. Стратегия без записи аллокации не торгует:
	// долю капитала выдаёт только мета-аллокатор, по умолчанию она нулевая
	allocationPct := 0.0
	if alloc, ok := e.allocations[sig.StrategyID]; ok {
		allocationPct = alloc.AllocationPct
		if alloc.CooldownUntil > now {
			return nil, e.rejectLocked(ctx, sig, RejectAllocationPaused,
				fmt.Sprintf("strategy in cooldown until %d", alloc.CooldownUntil))
		}
	}
	if allocationPct <= 0 {
		return nil, e.rejectLocked(ctx, sig, RejectAllocationPaused, "strategy has no active allocation")
	}

	reduceOnly := e.isReduceOnlyLocked(sig.Symbol, sig.Side)

	// 5. Risk-off режим: новые позиции запрещены, сокращение разрешено
	if guarded && e.riskOffActive && !reduceOnly {
		return nil, e.rejectLocked(ctx, sig, RejectRiskOffRegime,
			fmt.Sprintf("regime %s: only reduce-only orders allowed", e.currentRegime))
	}

	// 6. Размер позиции: доля капитала, масштабированная аллокацией
	balance := e.currentBalance(ctx)
	quantity := balance * e.cfg.Risk.MaxPositionPct * allocationPct
	if quantity <= 0 {
		return nil, e.rejectLocked(ctx, sig, RejectZeroQuantity,
			fmt.Sprintf("computed quantity %v is not positive", quantity))
	}

	// 7. Дневная просадка. Лимит защёлкивается по максимуму за день:
	// восстановление equity внутри дня торговлю не возобновляет
	if guarded && e.state.MaxDrawdownPct >= e.cfg.Risk.MaxDailyDrawdownPct {
		reason := fmt.Sprintf("%s: max drawdown %.4f >= limit %.4f",
			reasonDailyDrawdown, e.state.MaxDrawdownPct, e.cfg.Risk.MaxDailyDrawdownPct)
		e.triggerBreakerLocked(ctx, reason, now)
		e.sendAlertLocked(ctx, models.NewAlert(
			models.AlertLevelCritical,
			models.AlertCodeCircuitBreaker,
			"circuit breaker tripped: daily drawdown limit reached",
			map[string]interface{}{
				"max_drawdown_pct": e.state.MaxDrawdownPct,
				"limit_pct":        e.cfg.Risk.MaxDailyDrawdownPct,
			},
			now,
		))
		return nil, e.rejectLocked(ctx, sig, RejectDailyDrawdown, reason)
	}

	// 8. Суммарная экспозиция портфеля. Reduce-only SELL пропускается:
	// сокращение позиции уменьшает экспозицию, блокировать его при
	// переполненном портфеле контрпродуктивно.
	if guarded {
		exposureLimit := balance * e.cfg.Risk.MaxTotalExposurePct
		exposure := e.state.TotalExposure()
		if exposure >= exposureLimit && !(reduceOnly && sig.Side == models.SideSell) {
			e.sendAlertLocked(ctx, models.NewAlert(
				models.AlertLevelWarning,
				models.AlertCodeRiskLimit,
				"signal rejected: total exposure limit reached",
				map[string]interface{}{
					"exposure": exposure,
					"limit":    exposureLimit,
					"symbol":   sig.Symbol,
				},
				now,
			))
			return nil, e.rejectLocked(ctx, sig, RejectTotalExposure,
				fmt.Sprintf("total exposure %.2f >= limit %.2f", exposure, exposureLimit))
		}
	}

	// 9. Sanity-проверка размера одной позиции
	if guarded && quantity > balance*e.cfg.Risk.MaxPositionPct+qtyEpsilon {
		return nil, e.rejectLocked(ctx, sig, RejectPositionSize,
			fmt.Sprintf("quantity %.2f exceeds per-position limit %.2f",
				quantity, balance*e.cfg.Risk.MaxPositionPct))
	}

	// 10. Лимиты экспозиции symbol/bot
	if guarded {
		if rej := e.checkBotSymbolLimitsLocked(sig, quantity, balance); rej != nil {
			e.sendAlertLocked(ctx, models.NewAlert(
				models.AlertLevelWarning,
				models.AlertCodeRiskLimit,
				"signal rejected: "+rej.Message,
				map[string]interface{}{
					"symbol":      sig.Symbol,
					"strategy_id": sig.StrategyID,
					"code":        rej.Code,
				},
				now,
			))
			return nil, e.rejectLocked(ctx, sig, rej.Code, rej.Message)
		}
	}

	// 11. Сигнал одобрен: собираем иммутабельный ордер
	signalID := sig.SignalID
	if signalID == "" {
		signalID = fmt.Sprintf("%d", sig.Timestamp)
	}
	order := &models.Order{
		Type:        models.EventTypeOrder,
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		Quantity:    quantity,
		StopLossPct: e.cfg.Risk.StopLossPct,
		SignalID:    signalID,
		Reason:      sig.Reason,
		Timestamp:   now,
		ClientID:    fmt.Sprintf("%s-%d", sig.Symbol, sig.Timestamp),
		StrategyID:  sig.StrategyID,
		BotID:       sig.BotID,
	}

	e.state.SignalsApproved++
	e.state.PendingOrders++
	e.stats.OrdersApproved++
	SignalsApproved.Inc()

	e.log.Info("signal approved",
		zap.String("symbol", order.Symbol),
		zap.String("side", order.Side),
		zap.Float64("quantity", order.Quantity),
		zap.String("client_id", order.ClientID))

	e.persistLocked(ctx)
	e.broadcastRiskUpdateLocked()

	return order, nil
}

// isReduceOnlyLocked: ордер сокращает существующую позицию, не открывая
// и не переворачивая её
func (e *Engine) isReduceOnlyLocked(symbol, side string) bool {
	position := e.state.Positions[symbol]
	if math.Abs(position) <= posEpsilon {
		return false
	}
	return (side == models.SideSell && position > 0) ||
		(side == models.SideBuy && position < 0)
}

// checkBotSymbolLimitsLocked проверяет проектную экспозицию символа
// и бота после гипотетического исполнения ордера
func (e *Engine) checkBotSymbolLimitsLocked(sig *models.Signal, quantity, balance float64) *Rejection {
	price := 0.0
	if sig.Price != nil {
		price = *sig.Price
	}
	if price <= 0 {
		price = e.state.LastPrices[sig.Symbol]
	}
	if price <= 0 {
		return &Rejection{
			Code:    RejectNoPrice,
			Message: fmt.Sprintf("no price available for %s", sig.Symbol),
		}
	}

	equity := e.state.Equity
	if equity <= 0 {
		equity = balance
	}

	// Ордер несёт нотационал (котируемая валюта), позиции хранятся
	// в базовых единицах: проектная экспозиция складывается в нотационале
	signed := quantity
	if sig.Side == models.SideSell {
		signed = -quantity
	}

	// Экспозиция символа после исполнения
	projected := math.Abs(e.state.Positions[sig.Symbol]*price + signed)
	symbolLimit := equity * e.cfg.Risk.MaxSymbolExposurePct
	if projected > symbolLimit {
		return &Rejection{
			Code: RejectSymbolExposure,
			Message: fmt.Sprintf("symbol exposure %.2f exceeds limit %.2f",
				projected, symbolLimit),
		}
	}

	// Суммарная экспозиция книги бота после исполнения
	key := botKey(sig.StrategyID, sig.BotID)
	botTotal := 0.0
	for symbol, qty := range e.state.BotPositions[key] {
		symbolPrice := price
		if symbol != sig.Symbol {
			symbolPrice = e.state.LastPrices[symbol]
			if symbolPrice <= 0 {
				return &Rejection{
					Code:    RejectNoPrice,
					Message: fmt.Sprintf("no price available for %s in bot book", symbol),
				}
			}
		}
		notional := qty * symbolPrice
		if symbol == sig.Symbol {
			notional += signed
		}
		botTotal += math.Abs(notional)
	}
	if _, held := e.state.BotPositions[key][sig.Symbol]; !held {
		botTotal += math.Abs(signed)
	}
	botLimit := equity * e.cfg.Risk.MaxBotExposurePct
	if botTotal > botLimit {
		return &Rejection{
			Code: RejectBotExposure,
			Message: fmt.Sprintf("bot exposure %.2f exceeds limit %.2f",
				botTotal, botLimit),
		}
	}

	return nil
}

// rejectLocked фиксирует отказ: счётчики, метрика, лог, снапшот
func (e *Engine) rejectLocked(ctx context.Context, sig *models.Signal, code, message string) *Rejection {
	e.state.SignalsBlocked++
	e.stats.OrdersBlocked++
	SignalsBlocked.WithLabelValues(code).Inc()

	e.log.Info("signal blocked",
		zap.String("symbol", sig.Symbol),
		zap.String("side", sig.Side),
		zap.String("strategy_id", sig.StrategyID),
		zap.String("code", code),
		zap.String("reason", message))

	e.persistLocked(ctx)

	return &Rejection{Code: code, Message: message}
}
