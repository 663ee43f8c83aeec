package risk

import (
	"context"
	"time"

	"go.uber.org/zap"

	"riskmanager/internal/models"
)

// Пауза перед повторным чтением после ошибки брокера
const listenerRetryDelay = 1 * time.Second

// ============================================================
// Листенеры ordered стримов
// ============================================================

// startStreamListener запускает горутину, читающую стрим с хвоста ("$"):
// исторические записи не переигрываются, долговременность блок-листов
// обеспечивает снапшот. Записи применяются по одной в порядке стрима.
func (e *Engine) startStreamListener(ctx context.Context, stream string, apply func(ctx context.Context, values map[string]string)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		lastID := "$"
		log := e.log.With(zap.String("stream", stream))
		log.Info("stream listener started")

		for {
			if ctx.Err() != nil {
				log.Info("stream listener stopped")
				return
			}

			entries, err := e.bus.ReadStream(ctx, stream, lastID, e.cfg.Redis.ReadCount, e.cfg.Redis.ReadBlock)
			if err != nil {
				if ctx.Err() != nil {
					log.Info("stream listener stopped")
					return
				}
				log.Warn("stream read failed", zap.Error(err))
				select {
				case <-ctx.Done():
				case <-time.After(listenerRetryDelay):
				}
				continue
			}

			for _, entry := range entries {
				apply(ctx, entry.Values)
				lastID = entry.ID
			}
		}
	}()
}

// applyRegimeUpdate обрабатывает запись regime-стрима.
// Движок хранит только последний режим: флаг risk-off пересчитывается
// на каждой записи, возврат в спокойный режим снимает ограничение.
func (e *Engine) applyRegimeUpdate(ctx context.Context, values map[string]string) {
	update := models.RegimeUpdateFromValues(values)

	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.currentRegime
	e.currentRegime = update.Regime
	e.riskOffActive = update.Regime == models.RegimeRiskOff

	if previous != update.Regime {
		e.log.Info("market regime changed",
			zap.String("previous", previous),
			zap.String("current", update.Regime),
			zap.Bool("risk_off", e.riskOffActive))
		e.broadcastRiskUpdateLocked()
	}
}

// applyAllocationUpdate обрабатывает запись allocation-стрима.
// Аллокации - единственный источник записи в карту allocations.
func (e *Engine) applyAllocationUpdate(ctx context.Context, values map[string]string) {
	update, ok := models.AllocationUpdateFromValues(values)
	if !ok {
		e.log.Warn("allocation update without strategy_id dropped")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.allocations[update.StrategyID] = models.AllocationState{
		AllocationPct: update.AllocationPct,
		CooldownUntil: update.CooldownUntil,
	}

	e.log.Info("allocation updated",
		zap.String("strategy_id", update.StrategyID),
		zap.Float64("allocation_pct", update.AllocationPct),
		zap.Int64("cooldown_until", update.CooldownUntil))
}

// applyShutdownEvent обрабатывает запись shutdown-стрима: идентификаторы
// попадают в блок-листы и немедленно персистируются. Собственные
// safety-события сервиса тоже проходят здесь - AddShutdown идемпотентен.
func (e *Engine) applyShutdownEvent(ctx context.Context, values map[string]string) {
	event := models.ShutdownEventFromValues(values)
	if event.StrategyID == "" && event.BotID == "" {
		// Глобальный shutdown без идентификаторов блокирует через
		// предохранитель, а не через блок-листы
		if event.SourceService == serviceName {
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		e.triggerBreakerLocked(ctx, event.ReasonCode, e.now().Unix())
		e.persistLocked(ctx)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.AddShutdown(event.StrategyID, event.BotID)
	e.persistLocked(ctx)

	e.log.Warn("shutdown received",
		zap.String("source_service", event.SourceService),
		zap.String("reason_code", event.ReasonCode),
		zap.String("strategy_id", event.StrategyID),
		zap.String("bot_id", event.BotID))
}

// applyRiskReset обрабатывает запись reset-стрима.
//
// С идентификаторами - точечное снятие из блок-листов. Без них -
// сброс по типу: all/circuit_breaker закрывает предохранитель,
// all/drawdown/daily перезапускает дневные метрики,
// all/shutdown чистит блок-листы. Неизвестный тип отбрасывается
// без единой мутации: опечатка в reset-событии не должна снимать защиту.
func (e *Engine) applyRiskReset(ctx context.Context, values map[string]string) {
	event := models.ResetEventFromValues(values)

	e.mu.Lock()
	defer e.mu.Unlock()

	if event.StrategyID != "" || event.BotID != "" {
		e.state.RemoveShutdown(event.StrategyID, event.BotID)
		e.persistLocked(ctx)
		e.log.Info("shutdown cleared",
			zap.String("strategy_id", event.StrategyID),
			zap.String("bot_id", event.BotID))
		return
	}

	switch event.ResetType {
	case models.ResetTypeAll, models.ResetTypeCircuitBreaker,
		models.ResetTypeDrawdown, models.ResetTypeDaily, models.ResetTypeShutdown:
	default:
		e.log.Warn("reset event with unknown reset_type dropped",
			zap.String("reset_type", event.ResetType))
		return
	}

	switch event.ResetType {
	case models.ResetTypeAll, models.ResetTypeCircuitBreaker:
		e.state.ResetCircuitBreaker()
		e.shutdownEmitted = false
		recordBreakerState(false)
	}
	switch event.ResetType {
	case models.ResetTypeAll, models.ResetTypeDrawdown, models.ResetTypeDaily:
		e.state.ResetDailyMetrics(tradingDay(e.now()))
	}
	switch event.ResetType {
	case models.ResetTypeAll, models.ResetTypeShutdown:
		e.state.ClearShutdowns()
	}

	e.persistLocked(ctx)
	e.broadcastRiskUpdateLocked()

	e.log.Info("risk reset applied", zap.String("reset_type", event.ResetType))
}

// ============================================================
// Консьюмеры pub/sub топиков
// ============================================================

// startSignalConsumer подписывается на топик сигналов и гонит каждый
// сигнал через admission pipeline
func (e *Engine) startSignalConsumer(ctx context.Context) error {
	sub, err := e.bus.Subscribe(ctx, e.cfg.Topics.Signals)
	if err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer sub.Close()

		e.log.Info("signal consumer started", zap.String("topic", e.cfg.Topics.Signals))

		for {
			select {
			case <-ctx.Done():
				e.log.Info("signal consumer stopped")
				return
			case payload, ok := <-sub.Messages():
				if !ok {
					e.log.Warn("signal subscription closed")
					return
				}
				e.handleSignalPayload(ctx, payload)
			}
		}
	}()

	return nil
}

func (e *Engine) handleSignalPayload(ctx context.Context, payload []byte) {
	e.mu.Lock()
	e.stats.SignalsReceived++
	e.mu.Unlock()
	SignalsReceived.Inc()

	sig, err := models.ParseSignal(payload)
	if err != nil {
		// Невалидный сигнал отбрасывается без мутации состояния
		e.log.Warn("malformed signal dropped", zap.Error(err))
		return
	}

	order, rejection := e.ProcessSignal(ctx, sig)
	if rejection != nil {
		return
	}

	e.publishOrder(ctx, order)
}

// publishOrder публикует одобренный ордер в топик и зеркальный стрим.
// При невозможности опубликовать ордер pending-счётчик откатывается:
// результата исполнения не будет.
func (e *Engine) publishOrder(ctx context.Context, order *models.Order) {
	payload, err := models.Marshal(order)
	if err != nil {
		e.log.Error("failed to marshal order", zap.Error(err))
		e.rollbackPending(ctx)
		return
	}

	if err := e.bus.Publish(ctx, e.cfg.Topics.Orders, payload); err != nil {
		e.log.Error("failed to publish order",
			zap.String("client_id", order.ClientID),
			zap.Error(err))
		e.rollbackPending(ctx)
		return
	}

	// Зеркальная запись в стрим для replay-консьюмеров; ордер уже
	// опубликован, поэтому ошибка записи не откатывает pending
	if err := e.bus.AppendStream(ctx, e.cfg.Streams.Orders, order.StreamValues(), e.cfg.Streams.MaxLen); err != nil {
		e.log.Warn("failed to mirror order to stream",
			zap.String("client_id", order.ClientID),
			zap.Error(err))
	}

	e.log.Info("order published",
		zap.String("client_id", order.ClientID),
		zap.String("symbol", order.Symbol),
		zap.String("side", order.Side))
}

func (e *Engine) rollbackPending(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.PendingOrders > 0 {
		e.state.PendingOrders--
	}
	e.persistLocked(ctx)
}

// startOrderResultConsumer подписывается на топик результатов исполнения.
// Топик общий для нескольких типов событий: чужие отфильтровываются
// по полю type без полного разбора.
func (e *Engine) startOrderResultConsumer(ctx context.Context) error {
	sub, err := e.bus.Subscribe(ctx, e.cfg.Topics.OrderResults)
	if err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer sub.Close()

		e.log.Info("order result consumer started", zap.String("topic", e.cfg.Topics.OrderResults))

		for {
			select {
			case <-ctx.Done():
				e.log.Info("order result consumer stopped")
				return
			case payload, ok := <-sub.Messages():
				if !ok {
					e.log.Warn("order result subscription closed")
					return
				}
				e.handleOrderResultPayload(ctx, payload)
			}
		}
	}()

	return nil
}

func (e *Engine) handleOrderResultPayload(ctx context.Context, payload []byte) {
	if t := models.EventType(payload); t != "" && t != models.EventTypeOrderResult {
		return
	}

	res, err := models.ParseOrderResult(payload)
	if err != nil {
		e.log.Warn("malformed order result dropped", zap.Error(err))
		return
	}

	e.HandleOrderResult(ctx, res)
}
