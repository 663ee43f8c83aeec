package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"riskmanager/internal/config"
	"riskmanager/internal/models"
)

// Префикс причины предохранителя, сбрасываемой при смене торгового дня.
// Остальные причины (сбои исполнения, внешние события) держатся до
// явного reset'а или истечения cooldown'а.
const reasonDailyDrawdown = "DAILY_DRAWDOWN"

// Имя сервиса в исходящих safety-событиях
const serviceName = "risk_manager"

// ============================================================
// Интерфейсы внешних зависимостей движка
// ============================================================

// EventBus - шина событий: pub/sub топики, ordered стримы и KV-хранилище
// снапшота. Реализуется пакетом bus.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	AppendStream(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) error
	// ReadStream блокируется до block, возвращает записи после lastID.
	// Пустой результат без ошибки - таймаут ожидания.
	ReadStream(ctx context.Context, stream, lastID string, count int64, block time.Duration) ([]models.StreamEntry, error)
	SaveSnapshot(ctx context.Context, key string, data []byte) error
	// LoadSnapshot возвращает (nil, nil), если снапшота нет
	LoadSnapshot(ctx context.Context, key string) ([]byte, error)
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription - активная подписка на pub/sub топик
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Broadcaster рассылает события дашборд-клиентам (websocket hub)
type Broadcaster interface {
	BroadcastAlert(alert *models.Alert)
	BroadcastRiskUpdate(view StatusView)
}

// BalanceProvider отдаёт текущий баланс счёта
type BalanceProvider interface {
	Balance(ctx context.Context) (float64, error)
}

// StaticBalanceProvider - фиксированный баланс (тестовый режим)
type StaticBalanceProvider float64

func (p StaticBalanceProvider) Balance(ctx context.Context) (float64, error) {
	return float64(p), nil
}

// AlertJournal - долговременный журнал алертов (Postgres, опционально)
type AlertJournal interface {
	RecordAlert(ctx context.Context, alert *models.Alert) error
}

// ============================================================
// Движок
// ============================================================

// Stats - счётчики работы сервиса для /status
type Stats struct {
	SignalsReceived         int64  `json:"signals_received"`
	OrdersApproved          int64  `json:"orders_approved"`
	OrdersBlocked           int64  `json:"orders_blocked"`
	AlertsGenerated         int64  `json:"alerts_generated"`
	OrderResultsReceived    int64  `json:"order_results_received"`
	OrdersRejectedExecution int64  `json:"orders_rejected_execution"`
	LastOrderResult         string `json:"last_order_result,omitempty"`
}

// StatusView - публичный срез состояния для /status и websocket-рассылки
type StatusView struct {
	Status    string `json:"status"`
	StartedAt int64  `json:"started_at"`
	UptimeSec int64  `json:"uptime_sec"`

	Regime        string `json:"regime"`
	RiskOffActive bool   `json:"risk_off_active"`

	Equity             float64 `json:"equity"`
	PeakEquity         float64 `json:"peak_equity"`
	InitialEquity      float64 `json:"initial_equity"`
	TradingDay         string  `json:"trading_day"`
	CurrentDrawdownPct float64 `json:"current_drawdown_pct"`
	MaxDrawdownPct     float64 `json:"max_drawdown_pct"`
	RealizedPnl        float64 `json:"realized_pnl"`

	OpenPositions int                `json:"open_positions"`
	TotalExposure float64            `json:"total_exposure"`
	Positions     map[string]float64 `json:"positions"`
	PendingOrders int                `json:"pending_orders"`

	CircuitBreakerActive      bool   `json:"circuit_breaker_active"`
	CircuitBreakerReason      string `json:"circuit_breaker_reason,omitempty"`
	CircuitBreakerTriggeredAt int64  `json:"circuit_breaker_triggered_at,omitempty"`
	ConsecutiveFailures       int    `json:"consecutive_failures"`

	ShutdownStrategyIDs []string `json:"shutdown_strategy_ids"`
	ShutdownBotIDs      []string `json:"shutdown_bot_ids"`

	Allocations map[string]models.AllocationState `json:"allocations"`

	Stats Stats `json:"stats"`
}

// Engine - ядро риск-контроля.
//
// Владеет единственным экземпляром RiskState и всем производным
// состоянием (аллокации, рыночный режим). Один мьютекс сериализует
// все read-modify-write последовательности: сигналы, результаты
// исполнения и события стримов применяются атомарно, вперемешку
// их эффекты не видны.
type Engine struct {
	cfg     *config.Config
	log     *zap.Logger
	bus     EventBus
	hub     Broadcaster  // может быть nil
	journal AlertJournal // может быть nil
	balance BalanceProvider

	mu            sync.Mutex
	state         *RiskState
	allocations   map[string]models.AllocationState
	currentRegime string
	riskOffActive bool
	// Защёлка "shutdown уже разослан для текущего срабатывания":
	// гарантирует ровно одно safety-событие на один trip предохранителя
	shutdownEmitted bool
	stats           Stats

	startedAt time.Time
	running   bool
	wg        sync.WaitGroup

	// Подменяется в тестах для детерминированного времени
	now func() time.Time
}

// NewEngine создает движок. hub и journal опциональны (nil отключает).
func NewEngine(cfg *config.Config, log *zap.Logger, eventBus EventBus, hub Broadcaster, journal AlertJournal, balance BalanceProvider) *Engine {
	return &Engine{
		cfg:           cfg,
		log:           log,
		bus:           eventBus,
		hub:           hub,
		journal:       journal,
		balance:       balance,
		state:         NewRiskState(),
		allocations:   make(map[string]models.AllocationState),
		currentRegime: models.RegimeUnknown,
		now:           time.Now,
	}
}

// tradingDay возвращает календарный день UTC в формате снапшота
func tradingDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// guardActive сообщает, включены ли защитные слои pipeline'а.
// Выключаются только флагом E2E-тестов; sizing и публикация работают всегда.
func (e *Engine) guardActive() bool {
	return !e.cfg.Risk.E2EDisableCircuitBreaker
}

// botKey возвращает ключ секции BotPositions: bot_id, иначе strategy_id
func botKey(strategyID, botID string) string {
	if botID != "" {
		return botID
	}
	if strategyID != "" {
		return strategyID
	}
	return "unknown"
}

// currentBalance возвращает баланс счёта с fallback'ом при недоступности
func (e *Engine) currentBalance(ctx context.Context) float64 {
	if !e.cfg.Risk.UseLiveBalance || e.balance == nil {
		return e.cfg.Risk.TestBalance
	}
	balance, err := e.balance.Balance(ctx)
	if err != nil {
		e.log.Warn("balance provider unavailable, using fallback",
			zap.Float64("fallback", e.cfg.Risk.FallbackBalance),
			zap.Error(err))
		return e.cfg.Risk.FallbackBalance
	}
	return balance
}

// ============================================================
// Жизненный цикл
// ============================================================

// Bootstrap восстанавливает состояние из снапшота и инициализирует
// капитал. Вызывается один раз до Start.
func (e *Engine) Bootstrap(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := e.bus.LoadSnapshot(ctx, e.cfg.Redis.StateKey)
	if err != nil {
		return fmt.Errorf("load state snapshot: %w", err)
	}
	if data != nil {
		snap, err := DecodeSnapshot(data)
		if err != nil {
			// Повреждённый снапшот не валит сервис: стартуем с чистого
			// состояния, оставив запись в логе для расследования
			e.log.Error("state snapshot is corrupted, starting fresh", zap.Error(err))
		} else {
			e.state.ApplySnapshot(snap)
			e.log.Info("risk state restored",
				zap.String("trading_day", e.state.TradingDay),
				zap.Int("open_positions", e.state.OpenPositions()),
				zap.Bool("circuit_breaker_active", e.state.CircuitBreakerActive))
		}
	}

	// Восстановленный открытый предохранитель считается уже объявленным:
	// повторный shutdown при рестарте не рассылается
	e.shutdownEmitted = e.state.CircuitBreakerActive

	balance := e.currentBalance(ctx)
	today := tradingDay(e.now())
	e.state.InitializeEquity(balance, today)
	e.state.UpdateEquity()

	e.ensureTradingDayLocked(ctx)

	// Повторная защёлка: если дневная просадка уже выбрала лимит до
	// рестарта, предохранитель обязан остаться открытым
	if !e.state.CircuitBreakerActive && e.state.MaxDrawdownPct >= e.cfg.Risk.MaxDailyDrawdownPct {
		ts := e.now().Unix()
		reason := fmt.Sprintf("%s: max drawdown %.4f >= limit %.4f",
			reasonDailyDrawdown, e.state.MaxDrawdownPct, e.cfg.Risk.MaxDailyDrawdownPct)
		e.triggerBreakerLocked(ctx, reason, ts)
		e.log.Warn("circuit breaker re-latched after restart", zap.String("reason", reason))
	}

	e.startedAt = e.now()
	e.persistLocked(ctx)

	e.log.Info("risk engine bootstrapped",
		zap.Float64("equity", e.state.Equity),
		zap.String("trading_day", e.state.TradingDay))

	return nil
}

// Start запускает консьюмеры топиков и листенеры стримов.
// Горутины живут до отмены ctx.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.running = true
	e.mu.Unlock()

	if err := e.startSignalConsumer(ctx); err != nil {
		return err
	}
	if err := e.startOrderResultConsumer(ctx); err != nil {
		return err
	}

	e.startStreamListener(ctx, e.cfg.Streams.Regime, e.applyRegimeUpdate)
	e.startStreamListener(ctx, e.cfg.Streams.Allocation, e.applyAllocationUpdate)
	e.startStreamListener(ctx, e.cfg.Streams.BotShutdown, e.applyShutdownEvent)
	e.startStreamListener(ctx, e.cfg.Streams.RiskReset, e.applyRiskReset)

	e.log.Info("risk engine started")
	return nil
}

// Close ждёт остановки горутин и персистирует финальный снапшот
func (e *Engine) Close() error {
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.persistLocked(ctx)

	e.log.Info("risk engine stopped")
	return nil
}

// ============================================================
// Внутренние переходы состояния (вызывать под e.mu)
// ============================================================

// ensureTradingDayLocked обрабатывает смену календарного дня UTC:
// откатывает дневные метрики и закрывает предохранитель, если он был
// выбит дневной просадкой. Прочие причины переживают ролловер.
func (e *Engine) ensureTradingDayLocked(ctx context.Context) {
	today := tradingDay(e.now())
	if e.state.TradingDay == today {
		return
	}

	previous := e.state.TradingDay
	if e.state.CircuitBreakerActive && strings.HasPrefix(e.state.CircuitBreakerReason, reasonDailyDrawdown) {
		e.state.ResetCircuitBreaker()
		e.shutdownEmitted = false
		e.log.Info("circuit breaker reset on trading day rollover")
	}
	e.state.ResetDailyMetrics(today)
	e.persistLocked(ctx)

	e.log.Info("trading day rolled over",
		zap.String("previous", previous),
		zap.String("current", today))
}

// maybeResetBreakerLocked закрывает предохранитель по истечении
// cooldown'а. Cooldown = 0 означает "только явный reset".
func (e *Engine) maybeResetBreakerLocked(ctx context.Context) {
	cooldown := e.cfg.Breaker.CooldownSec
	if !e.state.CircuitBreakerActive || cooldown <= 0 {
		return
	}
	if e.state.CircuitBreakerTriggeredAt == 0 {
		return
	}
	if e.now().Unix()-e.state.CircuitBreakerTriggeredAt < cooldown {
		return
	}

	e.state.ResetCircuitBreaker()
	e.shutdownEmitted = false
	recordBreakerState(false)
	e.persistLocked(ctx)
	e.log.Info("circuit breaker reset after cooldown",
		zap.Int64("cooldown_sec", cooldown))
}

// triggerBreakerLocked выбивает предохранитель и рассылает safety-shutdown
// ровно один раз на срабатывание. Повторные вызовы при открытом
// предохранителе только обновляют причину.
func (e *Engine) triggerBreakerLocked(ctx context.Context, reason string, ts int64) {
	if reason == "" {
		reason = models.AlertCodeCircuitBreaker
	}
	e.state.CircuitBreakerActive = true
	e.state.CircuitBreakerReason = reason
	if e.state.CircuitBreakerTriggeredAt == 0 {
		e.state.CircuitBreakerTriggeredAt = ts
	}
	recordBreakerState(true)

	if e.shutdownEmitted {
		return
	}
	e.shutdownEmitted = true
	e.emitShutdownLocked(ctx, models.ShutdownEvent{
		TS:            ts,
		SourceService: serviceName,
		ReasonCode:    reason,
		Priority:      models.PrioritySafety,
	})
}

// emitShutdownLocked пишет safety-событие в shutdown-стрим.
// Ошибка записи логируется: локальное состояние уже защёлкнуто,
// и блокировка торговли не зависит от доставки события.
func (e *Engine) emitShutdownLocked(ctx context.Context, ev models.ShutdownEvent) {
	if err := e.bus.AppendStream(ctx, e.cfg.Streams.BotShutdown, ev.StreamValues(), e.cfg.Streams.MaxLen); err != nil {
		e.log.Error("failed to append shutdown event",
			zap.String("reason_code", ev.ReasonCode),
			zap.Error(err))
		return
	}
	e.log.Warn("safety shutdown emitted", zap.String("reason_code", ev.ReasonCode))
}

// sendAlertLocked публикует алерт в топик, журнал и дашборд
func (e *Engine) sendAlertLocked(ctx context.Context, alert *models.Alert) {
	e.stats.AlertsGenerated++
	AlertsGenerated.WithLabelValues(alert.Level).Inc()

	payload, err := models.Marshal(alert)
	if err != nil {
		e.log.Error("failed to marshal alert", zap.Error(err))
		return
	}
	if err := e.bus.Publish(ctx, e.cfg.Topics.Alerts, payload); err != nil {
		e.log.Error("failed to publish alert",
			zap.String("code", alert.Code),
			zap.Error(err))
	}

	if e.journal != nil {
		if err := e.journal.RecordAlert(ctx, alert); err != nil {
			e.log.Warn("failed to journal alert", zap.Error(err))
		}
	}
	if e.hub != nil {
		e.hub.BroadcastAlert(alert)
	}
}

// persistLocked сохраняет снапшот состояния. Ошибка персистирования
// не прерывает обработку: сервис продолжает работать на горячем
// состоянии, а запись повторится при следующей мутации.
func (e *Engine) persistLocked(ctx context.Context) {
	recordStateGauges(e.state)

	data, err := EncodeSnapshot(e.state.Snapshot())
	if err != nil {
		e.log.Error("failed to encode state snapshot", zap.Error(err))
		return
	}
	if err := e.bus.SaveSnapshot(ctx, e.cfg.Redis.StateKey, data); err != nil {
		e.log.Warn("failed to persist state snapshot", zap.Error(err))
	}
}

// ============================================================
// Статус
// ============================================================

// Status возвращает консистентный срез состояния для /status и websocket
func (e *Engine) Status() StatusView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() StatusView {
	now := e.now()

	status := "running"
	if !e.running {
		status = "stopped"
	}

	allocations := make(map[string]models.AllocationState, len(e.allocations))
	for k, v := range e.allocations {
		allocations[k] = v
	}

	return StatusView{
		Status:    status,
		StartedAt: e.startedAt.Unix(),
		UptimeSec: int64(now.Sub(e.startedAt).Seconds()),

		Regime:        e.currentRegime,
		RiskOffActive: e.riskOffActive,

		Equity:             e.state.Equity,
		PeakEquity:         e.state.PeakEquity,
		InitialEquity:      e.state.InitialEquity,
		TradingDay:         e.state.TradingDay,
		CurrentDrawdownPct: e.state.CurrentDrawdownPct,
		MaxDrawdownPct:     e.state.MaxDrawdownPct,
		RealizedPnl:        e.state.RealizedPnl,

		OpenPositions: e.state.OpenPositions(),
		TotalExposure: e.state.TotalExposure(),
		Positions:     copyFloatMap(e.state.Positions),
		PendingOrders: e.state.PendingOrders,

		CircuitBreakerActive:      e.state.CircuitBreakerActive,
		CircuitBreakerReason:      e.state.CircuitBreakerReason,
		CircuitBreakerTriggeredAt: e.state.CircuitBreakerTriggeredAt,
		ConsecutiveFailures:       e.state.ConsecutiveFailures,

		ShutdownStrategyIDs: append([]string(nil), e.state.ShutdownStrategyIDs...),
		ShutdownBotIDs:      append([]string(nil), e.state.ShutdownBotIDs...),

		Allocations: allocations,

		Stats: e.stats,
	}
}

// broadcastRiskUpdateLocked рассылает обновлённый срез дашборд-клиентам
func (e *Engine) broadcastRiskUpdateLocked() {
	if e.hub == nil {
		return
	}
	e.hub.BroadcastRiskUpdate(e.statusLocked())
}
