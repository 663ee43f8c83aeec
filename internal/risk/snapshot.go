package risk

import "riskmanager/internal/models"

// Snapshot - сериализуемый образ RiskState, контракт crash-recovery.
//
// Ключи совпадают с форматом, который исторически пишется в хранилище:
// снапшот, записанный предыдущей версией сервиса, обязан читаться без
// потерь. Round-trip тотальный: Snapshot() -> ApplySnapshot() должен
// восстановить каждое поле.
type Snapshot struct {
	Equity        float64 `json:"equity"`
	PeakEquity    float64 `json:"peak_equity"`
	InitialEquity float64 `json:"initial_equity"`
	TradingDay    string  `json:"trading_day"`

	CurrentDrawdownPct float64 `json:"current_drawdown_pct"`
	MaxDrawdownPct     float64 `json:"max_drawdown_pct"`
	RealizedPnl        float64 `json:"realized_pnl"`

	Positions    map[string]float64            `json:"positions"`
	Lots         map[string][]Lot              `json:"lots"`
	BotPositions map[string]map[string]float64 `json:"bot_positions"`
	LastPrices   map[string]float64            `json:"last_prices"`

	CircuitBreakerActive      bool            `json:"circuit_breaker_active"`
	CircuitBreakerReason      string          `json:"circuit_breaker_reason"`
	CircuitBreakerTriggeredAt int64           `json:"circuit_breaker_triggered_at"`
	ConsecutiveFailures       int             `json:"consecutive_failures"`
	FailureHistory            []FailureRecord `json:"failure_history"`

	ShutdownStrategyIDs []string `json:"shutdown_strategy_ids"`
	ShutdownBotIDs      []string `json:"shutdown_bot_ids"`

	PendingOrders   int `json:"pending_orders"`
	SignalsApproved int `json:"signals_approved"`
	SignalsBlocked  int `json:"signals_blocked"`
}

// Snapshot возвращает глубокую копию состояния для персистирования
func (s *RiskState) Snapshot() Snapshot {
	snap := Snapshot{
		Equity:        s.Equity,
		PeakEquity:    s.PeakEquity,
		InitialEquity: s.InitialEquity,
		TradingDay:    s.TradingDay,

		CurrentDrawdownPct: s.CurrentDrawdownPct,
		MaxDrawdownPct:     s.MaxDrawdownPct,
		RealizedPnl:        s.RealizedPnl,

		Positions:    copyFloatMap(s.Positions),
		Lots:         copyLotMap(s.Lots),
		BotPositions: copyBookMap(s.BotPositions),
		LastPrices:   copyFloatMap(s.LastPrices),

		CircuitBreakerActive:      s.CircuitBreakerActive,
		CircuitBreakerReason:      s.CircuitBreakerReason,
		CircuitBreakerTriggeredAt: s.CircuitBreakerTriggeredAt,
		ConsecutiveFailures:       s.ConsecutiveFailures,
		FailureHistory:            append([]FailureRecord(nil), s.FailureHistory...),

		ShutdownStrategyIDs: append([]string(nil), s.ShutdownStrategyIDs...),
		ShutdownBotIDs:      append([]string(nil), s.ShutdownBotIDs...),

		PendingOrders:   s.PendingOrders,
		SignalsApproved: s.SignalsApproved,
		SignalsBlocked:  s.SignalsBlocked,
	}
	return snap
}

// ApplySnapshot восстанавливает состояние из снапшота.
//
// Защитная типизация: отсутствующие ключи дают нулевые значения,
// nil-карты заменяются пустыми, отрицательные счётчики обрезаются.
func (s *RiskState) ApplySnapshot(snap Snapshot) {
	s.Equity = snap.Equity
	s.PeakEquity = snap.PeakEquity
	s.InitialEquity = snap.InitialEquity
	s.TradingDay = snap.TradingDay

	s.CurrentDrawdownPct = snap.CurrentDrawdownPct
	s.MaxDrawdownPct = snap.MaxDrawdownPct
	s.RealizedPnl = snap.RealizedPnl

	s.Positions = snap.Positions
	if s.Positions == nil {
		s.Positions = make(map[string]float64)
	}
	s.Lots = snap.Lots
	if s.Lots == nil {
		s.Lots = make(map[string][]Lot)
	}
	s.BotPositions = snap.BotPositions
	if s.BotPositions == nil {
		s.BotPositions = make(map[string]map[string]float64)
	}
	s.LastPrices = snap.LastPrices
	if s.LastPrices == nil {
		s.LastPrices = make(map[string]float64)
	}

	s.CircuitBreakerActive = snap.CircuitBreakerActive
	s.CircuitBreakerReason = snap.CircuitBreakerReason
	s.CircuitBreakerTriggeredAt = snap.CircuitBreakerTriggeredAt
	s.ConsecutiveFailures = maxInt(snap.ConsecutiveFailures, 0)
	s.FailureHistory = snap.FailureHistory

	s.ShutdownStrategyIDs = snap.ShutdownStrategyIDs
	s.ShutdownBotIDs = snap.ShutdownBotIDs

	s.PendingOrders = maxInt(snap.PendingOrders, 0)
	s.SignalsApproved = maxInt(snap.SignalsApproved, 0)
	s.SignalsBlocked = maxInt(snap.SignalsBlocked, 0)
}

// EncodeSnapshot сериализует снапшот в JSON
func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	return models.Marshal(snap)
}

// DecodeSnapshot разбирает снапшот; fuzzy-декодеры кодека прощают
// числовые поля, записанные строками
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	err := models.Unmarshal(data, &snap)
	return snap, err
}

func copyFloatMap(src map[string]float64) map[string]float64 {
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copyLotMap(src map[string][]Lot) map[string][]Lot {
	dst := make(map[string][]Lot, len(src))
	for k, v := range src {
		dst[k] = append([]Lot(nil), v...)
	}
	return dst
}

func copyBookMap(src map[string]map[string]float64) map[string]map[string]float64 {
	dst := make(map[string]map[string]float64, len(src))
	for k, v := range src {
		dst[k] = copyFloatMap(v)
	}
	return dst
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
