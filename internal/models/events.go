package models

import "strings"

// Рыночные режимы от regime-классификатора.
// RegimeRiskOff - обозначенное "risk-off" значение: новые позиции
// запрещены, разрешены только reduce-only ордера.
const (
	RegimeUnknown = "UNKNOWN"
	RegimeRiskOff = "HIGH_VOL_CHAOTIC"
)

// Типы risk-reset событий
const (
	ResetTypeAll            = "all"
	ResetTypeCircuitBreaker = "circuit_breaker"
	ResetTypeDrawdown       = "drawdown"
	ResetTypeDaily          = "daily"
	ResetTypeShutdown       = "shutdown"
)

// Приоритет safety-событий в стриме bot_shutdown
const PrioritySafety = "SAFETY"

// AllocationState - текущая аллокация капитала для стратегии.
// Обновляется только листенером allocation-стрима.
// allocation_pct = 0 или активный cooldown запрещают торговлю стратегии.
type AllocationState struct {
	AllocationPct float64 `json:"allocation_pct"`
	CooldownUntil int64   `json:"cooldown_until,omitempty"`
}

// RegimeUpdate - событие regime-стрима {ts, regime}
type RegimeUpdate struct {
	TS     int64
	Regime string
}

// RegimeUpdateFromValues разбирает запись regime-стрима
func RegimeUpdateFromValues(values map[string]string) RegimeUpdate {
	regime := values["regime"]
	if regime == "" {
		regime = RegimeUnknown
	}
	return RegimeUpdate{
		TS:     ParseTimestamp(values["ts"]),
		Regime: regime,
	}
}

// AllocationUpdate - событие allocation-стрима
type AllocationUpdate struct {
	StrategyID    string
	AllocationPct float64
	CooldownUntil int64
}

// AllocationUpdateFromValues разбирает запись allocation-стрима.
// Запись без strategy_id невалидна (ok=false) и отбрасывается.
func AllocationUpdateFromValues(values map[string]string) (AllocationUpdate, bool) {
	strategyID := values["strategy_id"]
	if strategyID == "" {
		return AllocationUpdate{}, false
	}
	return AllocationUpdate{
		StrategyID:    strategyID,
		AllocationPct: asFloat(values["allocation_pct"], 0),
		CooldownUntil: ParseTimestamp(values["cooldown_until"]),
	}, true
}

// ShutdownEvent - событие стрима bot_shutdown
// {ts, reason_code, strategy_id?, bot_id?, priority:"SAFETY"}
type ShutdownEvent struct {
	TS            int64
	SourceService string
	ReasonCode    string
	StrategyID    string
	BotID         string
	Priority      string
}

// ShutdownEventFromValues разбирает запись shutdown-стрима
func ShutdownEventFromValues(values map[string]string) ShutdownEvent {
	return ShutdownEvent{
		TS:            ParseTimestamp(values["ts"]),
		SourceService: values["source_service"],
		ReasonCode:    values["reason_code"],
		StrategyID:    values["strategy_id"],
		BotID:         values["bot_id"],
		Priority:      values["priority"],
	}
}

// StreamValues возвращает поля события для XADD (без пустых опциональных)
func (s ShutdownEvent) StreamValues() map[string]interface{} {
	values := map[string]interface{}{
		"ts":             s.TS,
		"source_service": s.SourceService,
		"reason_code":    s.ReasonCode,
		"priority":       s.Priority,
	}
	if s.StrategyID != "" {
		values["strategy_id"] = s.StrategyID
	}
	if s.BotID != "" {
		values["bot_id"] = s.BotID
	}
	return values
}

// ResetEvent - событие стрима risk_reset
// {reset_type, strategy_id?, bot_id?}
type ResetEvent struct {
	ResetType  string
	StrategyID string
	BotID      string
}

// ResetEventFromValues разбирает запись reset-стрима.
// Пустой reset_type трактуется как "all"; неизвестные значения
// сохраняются как есть и отбрасываются на стороне применения.
func ResetEventFromValues(values map[string]string) ResetEvent {
	resetType := strings.ToLower(strings.TrimSpace(values["reset_type"]))
	if resetType == "" {
		resetType = ResetTypeAll
	}
	return ResetEvent{
		ResetType:  resetType,
		StrategyID: values["strategy_id"],
		BotID:      values["bot_id"],
	}
}
